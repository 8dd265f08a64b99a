package voiceplay

import (
	"fmt"
	"sync"
	"time"
)

// Capture is a microphone input.
type Capture interface {
	SampleRate() int
	Start(onFrames func([]float32)) error
	Stop() error
}

// RecordingLimits bound an acceptable clip.
type RecordingLimits struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	MinSizeKB   float64
}

func DefaultRecordingLimits() RecordingLimits {
	return RecordingLimits{
		MinDuration: 500 * time.Millisecond,
		MaxDuration: 60 * time.Second,
		MinSizeKB:   1,
	}
}

// maxDurationSlack absorbs the delay between the auto-stop timer firing and
// the capture actually stopping.
const maxDurationSlack = 250 * time.Millisecond

// Clip is a finished recording.
type Clip struct {
	Samples    []float32
	SampleRate int
	Data       []byte
	MimeType   string
}

func (c *Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(c.Samples)) / float64(c.SampleRate) * float64(time.Second))
}

func (c *Clip) SizeKB() float64 {
	return float64(len(c.Data)) / 1024
}

// ValidateClip rejects clips that are too short, too small or too long.
func ValidateClip(clip *Clip, limits RecordingLimits) error {
	if clip == nil {
		return NewValidationError("no audio recorded").AddDetail("reason", "empty")
	}
	d := clip.Duration()
	if d < limits.MinDuration {
		return NewValidationError(fmt.Sprintf("Recording too short (%.1fs, minimum %.1fs)", d.Seconds(), limits.MinDuration.Seconds())).
			AddDetail("reason", "too_short").
			AddDetail("duration", d.Seconds())
	}
	if clip.SizeKB() < limits.MinSizeKB {
		return NewValidationError(fmt.Sprintf("Recording too small (%.1fKB, minimum %.1fKB)", clip.SizeKB(), limits.MinSizeKB)).
			AddDetail("reason", "too_small").
			AddDetail("size_kb", clip.SizeKB())
	}
	if limits.MaxDuration > 0 && d > limits.MaxDuration+maxDurationSlack {
		return NewValidationError(fmt.Sprintf("Recording too long (%.1fs, maximum %.1fs)", d.Seconds(), limits.MaxDuration.Seconds())).
			AddDetail("reason", "too_long").
			AddDetail("duration", d.Seconds())
	}
	return nil
}

// Recorder accumulates captured frames into a Clip.
type Recorder struct {
	capture Capture
	limits  RecordingLimits
	logger  *Logger

	mu        sync.Mutex
	recording bool
	samples   []float32
	startedAt time.Time
	amplitude float32
	timer     *time.Timer

	audioHandlers listeners[AudioDataHandler]
}

func NewRecorder(capture Capture, limits RecordingLimits, logger *Logger) *Recorder {
	return &Recorder{
		capture: capture,
		limits:  limits,
		logger:  loggerOr(logger, "Recorder"),
	}
}

func (r *Recorder) Limits() RecordingLimits {
	return r.limits
}

// Start opens the microphone. onMaxDuration fires once if the recording
// reaches the maximum duration before Stop.
func (r *Recorder) Start(onMaxDuration func()) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return NewAudioDeviceError("already recording")
	}
	r.recording = true
	r.samples = nil
	r.amplitude = 0
	r.startedAt = time.Now()
	r.mu.Unlock()

	if err := r.capture.Start(r.onFrames); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return WrapError(err, ErrCodeAudioDevice)
	}

	if r.limits.MaxDuration > 0 && onMaxDuration != nil {
		r.mu.Lock()
		r.timer = time.AfterFunc(r.limits.MaxDuration, onMaxDuration)
		r.mu.Unlock()
	}
	r.logger.Info("Recording started")
	return nil
}

func (r *Recorder) onFrames(frames []float32) {
	rms := CalculateRMS(frames)
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.samples = append(r.samples, frames...)
	r.amplitude = rms
	r.mu.Unlock()

	for _, h := range r.audioHandlers.snapshot() {
		h(frames)
	}
}

// Stop closes the microphone and returns the clip encoded as WAV. It does
// not validate the clip.
func (r *Recorder) Stop() (*Clip, error) {
	samples, ok := r.halt()
	if !ok {
		return nil, NewValidationError("not recording")
	}

	rate := r.capture.SampleRate()
	clip := &Clip{Samples: samples, SampleRate: rate, MimeType: "audio/wav"}
	if len(samples) > 0 {
		data, err := EncodeWAV(samples, rate)
		if err != nil {
			return nil, WrapError(err, ErrCodeAudioDevice)
		}
		clip.Data = data
	}
	r.logger.WithFields(map[string]interface{}{
		"duration": clip.Duration().Seconds(),
		"size_kb":  clip.SizeKB(),
	}).Info("Recording stopped")
	return clip, nil
}

// Cancel closes the microphone and discards the audio.
func (r *Recorder) Cancel() {
	if _, ok := r.halt(); ok {
		r.logger.Info("Recording discarded")
	}
}

func (r *Recorder) halt() ([]float32, bool) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil, false
	}
	r.recording = false
	samples := r.samples
	r.samples = nil
	r.amplitude = 0
	timer := r.timer
	r.timer = nil
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if err := r.capture.Stop(); err != nil {
		r.logger.WithError(err).Warn("Failed to stop capture")
	}
	return samples, true
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Amplitude is the RMS of the last captured block.
func (r *Recorder) Amplitude() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amplitude
}

// Elapsed is the wall time since Start.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return 0
	}
	return time.Since(r.startedAt)
}

// OnAudio registers a handler for raw captured frames.
func (r *Recorder) OnAudio(h AudioDataHandler) func() {
	return r.audioHandlers.add(h)
}
