package voiceplay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCapture struct {
	mu       sync.Mutex
	onFrames func([]float32)
	running  bool
	stops    int
}

func (c *fakeCapture) SampleRate() int { return testRate }

func (c *fakeCapture) Start(onFrames func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrames = onFrames
	c.running = true
	return nil
}

func (c *fakeCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.stops++
	return nil
}

// feed delivers seconds of captured tone.
func (c *fakeCapture) feed(seconds float64) {
	c.mu.Lock()
	fn, running := c.onFrames, c.running
	c.mu.Unlock()
	if running && fn != nil {
		fn(SineTone(220, testRate, seconds, 0.3))
	}
}

func (c *fakeCapture) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type fakeSpeechPlatform struct {
	mu        sync.Mutex
	available bool
	fail      error
	voices    []Voice
	spoken    []string
	cancels   int
	onChanged listeners[func()]
}

func (p *fakeSpeechPlatform) Available() bool { return p.available }

func (p *fakeSpeechPlatform) Voices() []Voice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.voices
}

func (p *fakeSpeechPlatform) OnVoicesChanged(fn func()) func() {
	return p.onChanged.add(fn)
}

func (p *fakeSpeechPlatform) setVoices(v []Voice) {
	p.mu.Lock()
	p.voices = v
	p.mu.Unlock()
	for _, fn := range p.onChanged.snapshot() {
		fn()
	}
}

func (p *fakeSpeechPlatform) Speak(u *Utterance) error {
	p.mu.Lock()
	p.spoken = append(p.spoken, u.Text)
	fail := p.fail
	p.mu.Unlock()
	go func() {
		if fail != nil {
			if u.OnError != nil {
				u.OnError(fail)
			}
			return
		}
		if u.OnStart != nil {
			u.OnStart()
		}
		if u.OnEnd != nil {
			u.OnEnd()
		}
	}()
	return nil
}

func (p *fakeSpeechPlatform) Cancel() {
	p.mu.Lock()
	p.cancels++
	p.mu.Unlock()
}

func (p *fakeSpeechPlatform) Pause() error  { return nil }
func (p *fakeSpeechPlatform) Resume() error { return nil }

func (p *fakeSpeechPlatform) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.spoken...)
}

type interactionRig struct {
	*engineRig
	capture     *fakeCapture
	platform    *fakeSpeechPlatform
	interaction *Interaction

	mu          sync.Mutex
	transcribed int
	audio       []byte
	states      []VoiceButtonState
}

func newInteractionRig(t *testing.T, limits RecordingLimits, synth Synthesizer) *interactionRig {
	r := &interactionRig{
		engineRig: newEngineRig(t),
		capture:   &fakeCapture{},
		platform:  &fakeSpeechPlatform{available: true},
	}
	transcriber := TranscriberFunc(func(ctx context.Context, audio []byte, mime string) (string, error) {
		r.mu.Lock()
		r.transcribed++
		r.audio = audio
		r.mu.Unlock()
		return "olá mundo", nil
	})
	in, err := NewInteraction(InteractionOptions{
		Engine:      r.engine,
		Recorder:    NewRecorder(r.capture, limits, NopLogger()),
		Transcriber: transcriber,
		Synthesizer: synth,
		Fallback:    NewFallbackSpeaker(r.platform, false, 10*time.Millisecond, NopLogger()),
		Logger:      NopLogger(),
	})
	if err != nil {
		t.Fatalf("NewInteraction: %v", err)
	}
	in.Subscribe(func(_, to VoiceButtonState) {
		r.mu.Lock()
		r.states = append(r.states, to)
		r.mu.Unlock()
	})
	r.interaction = in
	t.Cleanup(in.Close)
	return r
}

func (r *interactionRig) transcriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcribed
}

func (r *interactionRig) waitState(want VoiceButtonState) {
	r.t.Helper()
	eventually(r.t, func() bool { return r.interaction.State() == want }, "state "+string(want))
}

func bufferSynth(seconds float64) Synthesizer {
	return SynthesizerFunc(func(ctx context.Context, text string) (*Speech, error) {
		return &Speech{ID: "reply", Text: text, Audio: pcmChunk(seconds)}, nil
	})
}

func testLimits() RecordingLimits {
	return RecordingLimits{MinDuration: 500 * time.Millisecond, MaxDuration: 10 * time.Second, MinSizeKB: 1}
}

func TestInteraction_ShortClipRejectedWithoutTranscription(t *testing.T) {
	r := newInteractionRig(t, testLimits(), bufferSynth(0.25))

	if err := r.interaction.Tap(); err != nil {
		t.Fatalf("Tap: %v", err)
	}
	if r.interaction.State() != StateRecording {
		t.Fatalf("state = %v, want recording", r.interaction.State())
	}
	r.capture.feed(0.2)

	err := r.interaction.Tap()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if r.interaction.State() != StateIdle {
		t.Fatalf("state = %v, want idle", r.interaction.State())
	}
	if r.capture.isRunning() {
		t.Fatalf("microphone still open")
	}
	time.Sleep(20 * time.Millisecond)
	if n := r.transcriptions(); n != 0 {
		t.Fatalf("transcriber called %d times for a rejected clip", n)
	}
	if r.engine.Snapshot().Error == "" {
		t.Fatalf("rejection not surfaced in snapshot")
	}
	for _, s := range r.states {
		if s == StateProcessing {
			t.Fatalf("rejected clip entered processing")
		}
	}
}

func TestInteraction_FullTurn(t *testing.T) {
	r := newInteractionRig(t, testLimits(), bufferSynth(0.25))
	var transcript string
	r.interaction.OnTranscript(func(s string) { transcript = s })

	r.interaction.Tap()
	r.capture.feed(1.0)
	if err := r.interaction.Tap(); err != nil {
		t.Fatalf("Tap: %v", err)
	}

	r.waitState(StateSpeaking)
	eventually(t, func() bool { return r.engine.Player().Current() != nil }, "reply playing")
	if r.transcriptions() != 1 {
		t.Fatalf("transcriber called %d times", r.transcriptions())
	}
	r.mu.Lock()
	wav := SniffFormat(r.audio)
	r.mu.Unlock()
	if wav != FormatWAV {
		t.Fatalf("transcriber got %v, want wav", wav)
	}
	if transcript != "olá mundo" {
		t.Fatalf("transcript = %q", transcript)
	}

	r.advance(300 * time.Millisecond)
	r.waitState(StateIdle)

	want := []VoiceButtonState{StateRecording, StateProcessing, StateSpeaking, StateIdle}
	r.mu.Lock()
	got := append([]VoiceButtonState(nil), r.states...)
	r.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
}

func TestInteraction_FallsBackWhenAudioUndecodable(t *testing.T) {
	synth := SynthesizerFunc(func(ctx context.Context, text string) (*Speech, error) {
		return &Speech{ID: "bad", Text: text, Audio: []byte("garbage")}, nil
	})
	r := newInteractionRig(t, testLimits(), synth)

	r.interaction.Tap()
	r.capture.feed(1.0)
	r.interaction.Tap()

	r.waitState(StateIdle)
	eventually(t, func() bool { return len(r.platform.texts()) == 1 }, "fallback narration")
	if got := r.platform.texts()[0]; got != "olá mundo" {
		t.Fatalf("narrated %q", got)
	}
}

func TestInteraction_SynthesisFailureWithoutFallbackReturnsToIdle(t *testing.T) {
	synth := SynthesizerFunc(func(ctx context.Context, text string) (*Speech, error) {
		return nil, errors.New("tts down")
	})
	r := newInteractionRig(t, testLimits(), synth)
	r.platform.available = false

	var reported []*VoiceError
	var mu sync.Mutex
	r.interaction.OnError(func(err *VoiceError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	})

	r.interaction.Tap()
	r.capture.feed(1.0)
	r.interaction.Tap()

	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) == 1
	}, "error reported")
	r.waitState(StateIdle)
}

func TestInteraction_CancelDuringRecordingReleasesMicrophone(t *testing.T) {
	r := newInteractionRig(t, testLimits(), bufferSynth(0.25))
	r.interaction.Tap()
	r.capture.feed(1.0)

	r.interaction.Cancel()
	if r.interaction.State() != StateIdle {
		t.Fatalf("state = %v, want idle", r.interaction.State())
	}
	if r.capture.isRunning() {
		t.Fatalf("microphone still open after cancel")
	}
	time.Sleep(20 * time.Millisecond)
	if r.transcriptions() != 0 {
		t.Fatalf("cancelled recording was transcribed")
	}
}

func TestInteraction_TapWhileSpeakingStops(t *testing.T) {
	r := newInteractionRig(t, testLimits(), bufferSynth(2))
	r.interaction.Tap()
	r.capture.feed(1.0)
	r.interaction.Tap()

	r.waitState(StateSpeaking)
	eventually(t, func() bool { return r.engine.Player().Current() != nil }, "reply playing")

	r.interaction.Tap()
	if r.interaction.State() != StateIdle {
		t.Fatalf("state = %v, want idle", r.interaction.State())
	}
	r.engine.Dispatcher().Sync()
	if r.engine.Player().Current() != nil {
		t.Fatalf("reply still playing after tap")
	}
}

func TestInteraction_GreetingThenReady(t *testing.T) {
	r := newInteractionRig(t, testLimits(), bufferSynth(0.25))
	r.unlock()

	if err := r.interaction.Greet("Olá"); err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if r.interaction.State() != StateGreeting {
		t.Fatalf("state = %v, want greeting", r.interaction.State())
	}
	eventually(t, func() bool { return r.engine.Player().Current() != nil }, "greeting playing")
	r.advance(300 * time.Millisecond)
	r.waitState(StateReady)

	r.interaction.Greet("again")
	if r.interaction.State() != StateReady {
		t.Fatalf("second greeting changed state to %v", r.interaction.State())
	}

	r.interaction.Tap()
	r.capture.feed(0.1)
	r.interaction.Tap()
	if r.interaction.State() != StateReady {
		t.Fatalf("rejected clip after greeting went to %v, want ready", r.interaction.State())
	}
}

func TestInteraction_MaxDurationStopsRecording(t *testing.T) {
	limits := RecordingLimits{MinDuration: 100 * time.Millisecond, MaxDuration: 50 * time.Millisecond, MinSizeKB: 1}
	r := newInteractionRig(t, limits, bufferSynth(0.25))

	r.interaction.Tap()
	r.capture.feed(0.2)
	eventually(t, func() bool { return r.transcriptions() == 1 }, "auto-stopped clip transcribed")
	if r.capture.isRunning() {
		t.Fatalf("microphone still open after auto-stop")
	}
}

func TestNewInteraction_RequiresCollaborators(t *testing.T) {
	r := newEngineRig(t)
	if _, err := NewInteraction(InteractionOptions{Engine: r.engine}); !IsErrorCode(err, ErrCodeConfigInvalid) {
		t.Fatalf("err = %v, want config error", err)
	}
}
