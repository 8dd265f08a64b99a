package voiceplay

import (
	"errors"
	"sync"
	"time"
)

// RenderFunc fills out with the next mono frames. It runs on the audio thread.
type RenderFunc func(out []float32)

// Sink is an output device pulling frames from a RenderFunc.
type Sink interface {
	Start(render RenderFunc) error
	Stop() error
	Close() error
}

// ManualSink renders only when told to. Tests drive the audio clock with it.
type ManualSink struct {
	SampleRate int
	BlockSize  int

	mu       sync.Mutex
	render   RenderFunc
	running  bool
	closed   bool
	rendered int
	peak     float32
	startErr error
}

func NewManualSink(sampleRate, blockSize int) *ManualSink {
	if blockSize <= 0 {
		blockSize = 256
	}
	return &ManualSink{SampleRate: sampleRate, BlockSize: blockSize}
}

// FailStart makes the next Start return err.
func (s *ManualSink) FailStart(err error) {
	s.mu.Lock()
	s.startErr = err
	s.mu.Unlock()
}

func (s *ManualSink) Start(render RenderFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sink closed")
	}
	if s.startErr != nil {
		err := s.startErr
		s.startErr = nil
		return err
	}
	s.render = render
	s.running = true
	return nil
}

func (s *ManualSink) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *ManualSink) Close() error {
	s.mu.Lock()
	s.running = false
	s.closed = true
	s.render = nil
	s.mu.Unlock()
	return nil
}

// Render pulls frames in BlockSize blocks. It returns the frames rendered.
func (s *ManualSink) Render(frames int) int {
	s.mu.Lock()
	render, running := s.render, s.running
	s.mu.Unlock()
	if !running || render == nil {
		return 0
	}

	block := make([]float32, s.BlockSize)
	done := 0
	for done < frames {
		n := s.BlockSize
		if frames-done < n {
			n = frames - done
		}
		out := block[:n]
		for i := range out {
			out[i] = 0
		}
		render(out)
		s.track(out)
		done += n
	}
	return done
}

// Advance renders d worth of frames.
func (s *ManualSink) Advance(d time.Duration) int {
	return s.Render(int(d.Seconds() * float64(s.SampleRate)))
}

func (s *ManualSink) track(out []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rendered += len(out)
	for _, v := range out {
		if v < 0 {
			v = -v
		}
		if v > s.peak {
			s.peak = v
		}
	}
}

// Rendered is the total frames pulled so far.
func (s *ManualSink) Rendered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}

// Peak is the largest absolute sample seen.
func (s *ManualSink) Peak() float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func (s *ManualSink) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
