package voiceplay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ResolveWordIndex returns the word being spoken at t seconds. Between words
// and after the last one it holds the last word already started. Before the
// first word, or with no words, it returns -1.
func ResolveWordIndex(words []WordTiming, t float64) int {
	if len(words) == 0 || t < words[0].Start {
		return -1
	}
	return sort.Search(len(words), func(i int) bool {
		return words[i].Start > t
	}) - 1
}

// ValidateWordTimings checks that windows are ordered, well formed and do
// not overlap.
func ValidateWordTimings(words []WordTiming) error {
	for i, w := range words {
		if w.Start < 0 || w.End < w.Start {
			return NewValidationError(fmt.Sprintf("word %d (%q) has window [%.3f, %.3f]", i, w.Word, w.Start, w.End)).
				AddDetail("index", i)
		}
		if i > 0 && w.Start < words[i-1].End {
			return NewValidationError(fmt.Sprintf("word %d (%q) starts before word %d ends", i, w.Word, i-1)).
				AddDetail("index", i)
		}
	}
	return nil
}

// NormalizeWordTimings clamps small overlaps that speech recognizers emit so
// the sequence validates. Input is not modified.
func NormalizeWordTimings(words []WordTiming) []WordTiming {
	out := make([]WordTiming, len(words))
	copy(out, words)
	for i := range out {
		if out[i].Start < 0 {
			out[i].Start = 0
		}
		if i > 0 && out[i].Start < out[i-1].End {
			out[i].Start = out[i-1].End
		}
		if out[i].End < out[i].Start {
			out[i].End = out[i].Start
		}
	}
	return out
}

// WordsFingerprint identifies an utterance without comparing every word.
func WordsFingerprint(words []WordTiming) string {
	if len(words) == 0 {
		return ""
	}
	return fmt.Sprintf("%d-%s-%g", len(words), words[0].Word, words[len(words)-1].End)
}

// SynchronizerOptions configures the two sampling loops.
type SynchronizerOptions struct {
	PollTicks  TickSource
	FrameTicks TickSource
	Epsilon    time.Duration
}

// DefaultSynchronizerOptions polls every 50ms, tracks at 60fps and
// republishes on 30ms of movement.
func DefaultSynchronizerOptions() SynchronizerOptions {
	return SynchronizerOptions{
		PollTicks:  Interval(50 * time.Millisecond),
		FrameTicks: Frames(60),
		Epsilon:    30 * time.Millisecond,
	}
}

// Synchronizer keeps a word index in step with a PlaybackClock. A slow poll
// waits for playback to start; a frame loop then samples the clock until it
// pauses or ends.
type Synchronizer struct {
	opts   SynchronizerOptions
	logger *Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	clock       PlaybackClock
	words       []WordTiming
	fingerprint string
	state       KaraokeState
	poll        *Task
	frames      *Task
	frameGen    uint64

	handlers listeners[KaraokeHandler]
}

func NewSynchronizer(opts SynchronizerOptions, logger *Logger) *Synchronizer {
	def := DefaultSynchronizerOptions()
	if opts.PollTicks == nil {
		opts.PollTicks = def.PollTicks
	}
	if opts.FrameTicks == nil {
		opts.FrameTicks = def.FrameTicks
	}
	if opts.Epsilon <= 0 {
		opts.Epsilon = def.Epsilon
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		opts:    opts,
		logger:  loggerOr(logger, "Synchronizer"),
		baseCtx: ctx,
		cancel:  cancel,
		state:   KaraokeState{CurrentWordIndex: -1},
	}
}

// SetWords replaces the timings. A different utterance resets the state.
func (s *Synchronizer) SetWords(words []WordTiming) {
	if err := ValidateWordTimings(words); err != nil {
		s.logger.WithError(err).Debug("Word timings normalized")
		words = NormalizeWordTimings(words)
	} else {
		words = append([]WordTiming(nil), words...)
	}
	fp := WordsFingerprint(words)

	s.mu.Lock()
	s.words = words
	if fp == s.fingerprint {
		s.mu.Unlock()
		return
	}
	s.fingerprint = fp
	s.state = KaraokeState{CurrentWordIndex: -1}
	state := s.state
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"words":       len(words),
		"fingerprint": fp,
	}).Debug("New utterance")
	s.publish(state)
}

func (s *Synchronizer) Words() []WordTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.words
}

// Attach points the synchronizer at clock.
func (s *Synchronizer) Attach(clock PlaybackClock) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

// Start launches the poll loop. It is a no-op when already running.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poll != nil {
		return
	}
	s.poll = Schedule(s.baseCtx, s.opts.PollTicks, s.pollTick)
}

func (s *Synchronizer) pollTick(time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock == nil || s.frames != nil {
		return true
	}
	if s.clock.Paused() {
		return true
	}
	s.frameGen++
	gen := s.frameGen
	s.frames = Schedule(s.baseCtx, s.opts.FrameTicks, func(now time.Time) bool {
		return s.frameTick(gen)
	})
	s.logger.Debug("Playback detected, tracking frames")
	return true
}

func (s *Synchronizer) frameTick(gen uint64) bool {
	s.mu.Lock()
	clock, words := s.clock, s.words
	s.mu.Unlock()
	if clock == nil {
		s.frameLoopDone(gen)
		return false
	}

	t := clock.CurrentTime()
	duration := clock.Duration()
	if duration <= 0 && len(words) > 0 {
		duration = words[len(words)-1].End
	}

	if clock.Ended() {
		s.update(KaraokeState{
			CurrentWordIndex: len(words) - 1,
			CurrentTime:      t,
			IsPlaying:        false,
			Progress:         100,
		}, true)
		s.frameLoopDone(gen)
		return false
	}

	progress := 0.0
	if duration > 0 {
		progress = math.Min(t/duration, 1) * 100
	}
	if clock.Paused() {
		s.mu.Lock()
		idx := s.state.CurrentWordIndex
		s.mu.Unlock()
		s.update(KaraokeState{CurrentWordIndex: idx, CurrentTime: t, IsPlaying: false, Progress: progress}, false)
		s.frameLoopDone(gen)
		return false
	}

	s.update(KaraokeState{
		CurrentWordIndex: ResolveWordIndex(words, t),
		CurrentTime:      t,
		IsPlaying:        true,
		Progress:         progress,
	}, false)
	return true
}

func (s *Synchronizer) frameLoopDone(gen uint64) {
	s.mu.Lock()
	if s.frameGen == gen {
		s.frames = nil
	}
	s.mu.Unlock()
}

// update publishes next unless it is within epsilon of the last state with
// the same index and playing flag.
func (s *Synchronizer) update(next KaraokeState, force bool) {
	eps := s.opts.Epsilon.Seconds()

	s.mu.Lock()
	prev := s.state
	changed := math.Abs(next.CurrentTime-prev.CurrentTime) > eps ||
		next.CurrentWordIndex != prev.CurrentWordIndex ||
		next.IsPlaying != prev.IsPlaying
	if !changed && !(force && next != prev) {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	s.publish(next)
}

func (s *Synchronizer) publish(state KaraokeState) {
	for _, h := range s.handlers.snapshot() {
		h(state)
	}
}

// State is the last published state.
func (s *Synchronizer) State() KaraokeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Synchronizer) Subscribe(h KaraokeHandler) func() {
	return s.handlers.add(h)
}

// Tracking reports whether the frame loop is running.
func (s *Synchronizer) Tracking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames != nil
}

// Stop cancels both loops. Start may be called again afterwards.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	poll, frames := s.poll, s.frames
	s.poll, s.frames = nil, nil
	s.frameGen++
	s.mu.Unlock()

	poll.Cancel()
	frames.Cancel()
}

// StopTracking cancels only the frame loop; polling continues.
func (s *Synchronizer) StopTracking() {
	s.mu.Lock()
	frames := s.frames
	s.frames = nil
	s.frameGen++
	s.mu.Unlock()
	frames.Cancel()
}

// Complete ends the current utterance: the frame loop stops and the last
// word stays highlighted.
func (s *Synchronizer) Complete() {
	s.mu.Lock()
	clock, words := s.clock, s.words
	frames := s.frames
	s.frames = nil
	s.frameGen++
	s.mu.Unlock()
	frames.Cancel()

	t := 0.0
	if clock != nil {
		t = clock.CurrentTime()
	}
	s.update(KaraokeState{
		CurrentWordIndex: len(words) - 1,
		CurrentTime:      t,
		IsPlaying:        false,
		Progress:         100,
	}, true)
}

// Close stops both loops for good.
func (s *Synchronizer) Close() {
	s.Stop()
	s.cancel()
}
