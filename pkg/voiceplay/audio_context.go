package voiceplay

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Context is the persistent playback primitive: a clock that advances only
// while running, rendering the active sources into a Sink.
type Context struct {
	sampleRate int
	sink       Sink
	dispatcher *Dispatcher
	logger     *Logger

	mu          sync.Mutex
	state       ContextState
	sinkStarted bool
	frames      int64
	nextID      uint64
	exclusive   *Source
	extras      []*Source
}

// NewContext creates a suspended context. Callbacks run on dispatcher.
func NewContext(sink Sink, sampleRate int, dispatcher *Dispatcher, logger *Logger) *Context {
	return &Context{
		sampleRate: sampleRate,
		sink:       sink,
		dispatcher: dispatcher,
		logger:     loggerOr(logger, "Context"),
		state:      ContextSuspended,
	}
}

func (c *Context) SampleRate() int { return c.sampleRate }

func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTime is the context clock in seconds.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.frames) / float64(c.sampleRate)
}

// Resume starts the sink on first use and lets the clock run.
func (c *Context) Resume() error {
	c.mu.Lock()
	if c.state == ContextClosed {
		c.mu.Unlock()
		return NewPlaybackError("context closed")
	}
	if c.state == ContextRunning {
		c.mu.Unlock()
		return nil
	}
	needStart := !c.sinkStarted
	c.mu.Unlock()

	if needStart {
		if err := c.sink.Start(c.render); err != nil {
			return WrapError(err, ErrCodeAudioDevice)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ContextClosed {
		return NewPlaybackError("context closed")
	}
	c.sinkStarted = true
	c.state = ContextRunning
	return nil
}

// Suspend freezes the clock. Active sources keep their position and their
// ended callbacks are deferred until Resume.
func (c *Context) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case ContextClosed:
		return NewPlaybackError("context closed")
	case ContextRunning:
		c.state = ContextSuspended
	}
	return nil
}

// Close stops every source and releases the sink.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.state == ContextClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = ContextClosed
	var stopped []*Source
	if c.exclusive != nil {
		stopped = append(stopped, c.exclusive)
		c.exclusive = nil
	}
	stopped = append(stopped, c.extras...)
	c.extras = nil
	for _, s := range stopped {
		s.finished = true
	}
	c.mu.Unlock()

	for _, s := range stopped {
		c.postEnded(s, false)
	}
	return c.sink.Close()
}

// NewSource wraps buf in a one-shot source. Exclusive sources replace each
// other; non-exclusive ones (oscillators, warmup clips) mix alongside.
func (c *Context) NewSource(buf *Buffer, exclusive bool) *Source {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()
	return &Source{
		ctx:       c,
		id:        id,
		buf:       buf,
		rate:      1,
		gain:      1,
		exclusive: exclusive,
	}
}

// StartOscillator plays a sine tone for d. With a tiny gain it is inaudible
// and only serves to wake the output path.
func (c *Context) StartOscillator(freq float64, gain float32, d time.Duration) (*Source, error) {
	n := int(float64(c.sampleRate) * d.Seconds())
	if n < 1 {
		n = 1
	}
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * freq * float64(i) / float64(c.sampleRate)))
	}
	src := c.NewSource(&Buffer{Samples: samples, SampleRate: c.sampleRate}, false)
	src.SetGain(gain)
	if err := src.Start(); err != nil {
		return nil, err
	}
	return src, nil
}

// Active returns the exclusive source currently playing, if any.
func (c *Context) Active() *Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exclusive
}

func (c *Context) start(s *Source) (replaced *Source, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ContextClosed {
		return nil, NewPlaybackError("context closed")
	}
	if s.started {
		return nil, errors.New("source already started")
	}
	s.started = true
	if s.exclusive {
		if c.exclusive != nil {
			replaced = c.exclusive
			replaced.finished = true
		}
		c.exclusive = s
	} else {
		c.extras = append(c.extras, s)
	}
	return replaced, nil
}

func (c *Context) stop(s *Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.started || s.finished {
		return false
	}
	s.finished = true
	if c.exclusive == s {
		c.exclusive = nil
	} else {
		c.removeExtra(s)
	}
	return true
}

func (c *Context) removeExtra(s *Source) {
	for i, x := range c.extras {
		if x == s {
			c.extras = append(c.extras[:i], c.extras[i+1:]...)
			return
		}
	}
}

// render runs on the audio thread.
func (c *Context) render(out []float32) {
	var ended []*Source

	c.mu.Lock()
	if c.state != ContextRunning {
		c.mu.Unlock()
		for i := range out {
			out[i] = 0
		}
		return
	}
	if c.exclusive != nil && c.exclusive.mix(out) {
		c.exclusive.finished = true
		c.exclusive.reachedEnd = true
		ended = append(ended, c.exclusive)
		c.exclusive = nil
	}
	kept := c.extras[:0]
	for _, s := range c.extras {
		if s.mix(out) {
			s.finished = true
			s.reachedEnd = true
			ended = append(ended, s)
			continue
		}
		kept = append(kept, s)
	}
	c.extras = kept
	c.frames += int64(len(out))
	c.mu.Unlock()

	for _, s := range ended {
		c.postEnded(s, true)
	}
}

func (c *Context) postEnded(s *Source, natural bool) {
	s.cbMu.Lock()
	fn := s.onEnded
	s.cbMu.Unlock()
	if fn == nil {
		return
	}
	if !c.dispatcher.Post(func() { fn(natural) }) {
		c.logger.WithField("source", s.id).Debug("Ended callback dropped after dispatcher close")
	}
}

// Source is one decoded buffer played once through a Context. Fields guarded
// by the owning context's mutex unless noted.
type Source struct {
	ctx       *Context
	id        uint64
	buf       *Buffer
	exclusive bool

	rate       float64
	gain       float32
	pos        float64
	started    bool
	finished   bool
	reachedEnd bool

	cbMu    sync.Mutex
	onEnded func(natural bool)
}

func (s *Source) ID() uint64 { return s.id }

// OnEnded registers the ended callback. natural is false when the source was
// stopped or replaced before reaching its end.
func (s *Source) OnEnded(fn func(natural bool)) {
	s.cbMu.Lock()
	s.onEnded = fn
	s.cbMu.Unlock()
}

// Start begins playback. An exclusive source stops the previous one first.
func (s *Source) Start() error {
	replaced, err := s.ctx.start(s)
	if err != nil {
		return err
	}
	if replaced != nil {
		s.ctx.postEnded(replaced, false)
	}
	return nil
}

// Stop ends playback early. Stopping an idle or finished source is a no-op.
func (s *Source) Stop() {
	if s.ctx.stop(s) {
		s.ctx.postEnded(s, false)
	}
}

func (s *Source) SetPlaybackRate(rate float64) {
	if rate <= 0 {
		return
	}
	s.ctx.mu.Lock()
	s.rate = rate
	s.ctx.mu.Unlock()
}

func (s *Source) PlaybackRate() float64 {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.rate
}

func (s *Source) SetGain(gain float32) {
	s.ctx.mu.Lock()
	s.gain = gain
	s.ctx.mu.Unlock()
}

// Position is the seconds of buffer consumed so far.
func (s *Source) Position() float64 {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.pos / float64(s.buf.SampleRate)
}

// Duration is the buffer length in seconds.
func (s *Source) Duration() float64 {
	return s.buf.Seconds()
}

func (s *Source) Playing() bool {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.started && !s.finished
}

// ReachedEnd reports whether the source played to its last frame.
func (s *Source) ReachedEnd() bool {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.reachedEnd
}

func (s *Source) Finished() bool {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.finished
}

// mix adds the next frames into out and reports whether the buffer is spent.
func (s *Source) mix(out []float32) bool {
	samples := s.buf.Samples
	n := float64(len(samples))
	for i := range out {
		if s.pos >= n {
			return true
		}
		idx := int(s.pos)
		v := samples[idx]
		if frac := s.pos - float64(idx); frac > 0 && idx+1 < len(samples) {
			v += (samples[idx+1] - v) * float32(frac)
		}
		out[i] += v * s.gain
		s.pos += s.rate
	}
	return s.pos >= n
}
