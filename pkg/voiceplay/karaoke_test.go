package voiceplay

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var olaMundo = []WordTiming{
	{Word: "Olá", Start: 0.0, End: 0.4},
	{Word: "mundo", Start: 0.5, End: 0.9},
}

func TestResolveWordIndex(t *testing.T) {
	tests := []struct {
		name string
		t    float64
		want int
	}{
		{"before first word", -0.1, -1},
		{"first word start", 0.0, 0},
		{"inside first word", 0.2, 0},
		{"gap holds previous word", 0.45, 0},
		{"second word start", 0.5, 1},
		{"after last word", 1.0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveWordIndex(olaMundo, tt.t); got != tt.want {
				t.Fatalf("ResolveWordIndex(%v) = %d, want %d", tt.t, got, tt.want)
			}
		})
	}

	if got := ResolveWordIndex(nil, 1); got != -1 {
		t.Fatalf("empty words = %d, want -1", got)
	}
}

func TestResolveWordIndex_Monotonic(t *testing.T) {
	words := []WordTiming{
		{Word: "a", Start: 0.1, End: 0.2},
		{Word: "b", Start: 0.3, End: 0.35},
		{Word: "c", Start: 0.35, End: 0.8},
		{Word: "d", Start: 1.2, End: 1.5},
	}
	prev := -1
	for ms := -100; ms <= 2000; ms++ {
		idx := ResolveWordIndex(words, float64(ms)/1000)
		if idx < prev {
			t.Fatalf("index went back from %d to %d at %dms", prev, idx, ms)
		}
		prev = idx
	}
	if prev != len(words)-1 {
		t.Fatalf("final index = %d, want %d", prev, len(words)-1)
	}
}

func TestValidateWordTimings(t *testing.T) {
	if err := ValidateWordTimings(olaMundo); err != nil {
		t.Fatalf("valid timings rejected: %v", err)
	}

	overlapping := []WordTiming{{Word: "a", Start: 0, End: 0.5}, {Word: "b", Start: 0.4, End: 0.9}}
	err := ValidateWordTimings(overlapping)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("overlap error = %v, want validation failure", err)
	}
	var vErr *VoiceError
	errors.As(err, &vErr)
	if idx, _ := vErr.GetDetail("index"); idx != 1 {
		t.Fatalf("index detail = %v, want 1", idx)
	}

	fixed := NormalizeWordTimings(overlapping)
	if err := ValidateWordTimings(fixed); err != nil {
		t.Fatalf("normalized timings still invalid: %v", err)
	}
	if overlapping[1].Start != 0.4 {
		t.Fatalf("normalize modified its input")
	}
}

type fakeClock struct {
	mu       sync.Mutex
	t        float64
	duration float64
	paused   bool
	ended    bool
}

func (c *fakeClock) set(t float64) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *fakeClock) setPaused(p bool) {
	c.mu.Lock()
	c.paused = p
	c.mu.Unlock()
}

func (c *fakeClock) setEnded() {
	c.mu.Lock()
	c.ended = true
	c.paused = true
	c.mu.Unlock()
}

func (c *fakeClock) CurrentTime() float64 { c.mu.Lock(); defer c.mu.Unlock(); return c.t }
func (c *fakeClock) Duration() float64    { c.mu.Lock(); defer c.mu.Unlock(); return c.duration }
func (c *fakeClock) Paused() bool         { c.mu.Lock(); defer c.mu.Unlock(); return c.paused }
func (c *fakeClock) Ended() bool          { c.mu.Lock(); defer c.mu.Unlock(); return c.ended }

type syncRig struct {
	sync   *Synchronizer
	clock  *fakeClock
	poll   *ManualTicks
	frames *ManualTicks

	mu     sync.Mutex
	states []KaraokeState
}

func newSyncRig(t *testing.T) *syncRig {
	r := &syncRig{
		clock:  &fakeClock{duration: 0.9, paused: true},
		poll:   NewManualTicks(),
		frames: NewManualTicks(),
	}
	r.sync = NewSynchronizer(SynchronizerOptions{
		PollTicks:  r.poll,
		FrameTicks: r.frames,
		Epsilon:    30 * time.Millisecond,
	}, NopLogger())
	r.sync.Subscribe(func(s KaraokeState) {
		r.mu.Lock()
		r.states = append(r.states, s)
		r.mu.Unlock()
	})
	r.sync.SetWords(olaMundo)
	r.sync.Attach(r.clock)
	r.sync.Start()
	t.Cleanup(r.sync.Close)
	return r
}

func (r *syncRig) published() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *syncRig) last() KaraokeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

// play unpauses the clock and lets the poll loop start frame tracking.
func (r *syncRig) play(t *testing.T) {
	t.Helper()
	r.clock.setPaused(false)
	if !r.poll.Tick(time.Now()) {
		t.Fatalf("poll loop not running")
	}
	if !r.sync.Tracking() {
		t.Fatalf("frame loop not started after playback detected")
	}
}

func (r *syncRig) frame(t *testing.T, at float64) {
	t.Helper()
	r.clock.set(at)
	if !r.frames.Tick(time.Now()) {
		t.Fatalf("frame loop not running at t=%v", at)
	}
}

func TestSynchronizer_TracksWords(t *testing.T) {
	r := newSyncRig(t)

	r.poll.Tick(time.Now())
	if r.sync.Tracking() {
		t.Fatalf("frame loop started while paused")
	}

	r.play(t)
	r.frame(t, 0.1)
	if s := r.last(); s.CurrentWordIndex != 0 || !s.IsPlaying {
		t.Fatalf("state at 0.1 = %+v", s)
	}

	r.frame(t, 0.45)
	if s := r.last(); s.CurrentWordIndex != 0 {
		t.Fatalf("gap index = %d, want 0", s.CurrentWordIndex)
	}

	r.frame(t, 0.6)
	s := r.last()
	if s.CurrentWordIndex != 1 {
		t.Fatalf("index at 0.6 = %d, want 1", s.CurrentWordIndex)
	}
	if !approx(s.Progress, 0.6/0.9*100, 0.01) {
		t.Fatalf("progress = %v", s.Progress)
	}
}

func TestSynchronizer_SuppressesSubEpsilonUpdates(t *testing.T) {
	r := newSyncRig(t)
	r.play(t)
	r.frame(t, 0.10)
	n := r.published()

	r.frame(t, 0.11)
	r.frame(t, 0.12)
	if r.published() != n {
		t.Fatalf("published %d states for sub-epsilon movement", r.published()-n)
	}

	r.frame(t, 0.20)
	if r.published() != n+1 {
		t.Fatalf("movement beyond epsilon not published")
	}
}

func TestSynchronizer_EndedForcesLastWord(t *testing.T) {
	r := newSyncRig(t)
	r.play(t)
	r.frame(t, 0.1)

	r.clock.setEnded()
	r.frame(t, 0.85)

	s := r.last()
	if s.CurrentWordIndex != 1 || s.IsPlaying || s.Progress != 100 {
		t.Fatalf("state after end = %+v", s)
	}
	if r.sync.Tracking() {
		t.Fatalf("frame loop still running after end")
	}
}

func TestSynchronizer_PauseStopsFrameLoop(t *testing.T) {
	r := newSyncRig(t)
	r.play(t)
	r.frame(t, 0.2)

	r.clock.setPaused(true)
	r.frame(t, 0.2)
	if s := r.last(); s.IsPlaying {
		t.Fatalf("still playing after pause: %+v", s)
	}
	if r.sync.Tracking() {
		t.Fatalf("frame loop running while paused")
	}

	r.play(t)
	r.frame(t, 0.55)
	if s := r.last(); s.CurrentWordIndex != 1 || !s.IsPlaying {
		t.Fatalf("state after resume = %+v", s)
	}
}

func TestSynchronizer_NewUtteranceResets(t *testing.T) {
	r := newSyncRig(t)
	r.play(t)
	r.frame(t, 0.6)
	n := r.published()

	r.sync.SetWords(olaMundo)
	if r.published() != n {
		t.Fatalf("same words republished state")
	}

	r.sync.SetWords([]WordTiming{{Word: "tchau", Start: 0, End: 0.3}})
	if s := r.last(); s.CurrentWordIndex != -1 || s.CurrentTime != 0 {
		t.Fatalf("state after new words = %+v, want reset", s)
	}
}
