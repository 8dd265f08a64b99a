package voiceplay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ContextFactory creates a fresh Context. The player calls it lazily and again
// whenever the previous context was closed.
type ContextFactory func() *Context

// PlaybackClock is the live-time accessor the karaoke synchronizer samples.
type PlaybackClock interface {
	// CurrentTime is seconds into the utterance.
	CurrentTime() float64
	// Duration is the utterance length in seconds, 0 when unknown.
	Duration() float64
	Paused() bool
	Ended() bool
}

const (
	unlockOscillatorFreq = 440
	unlockOscillatorGain = 0.001
	unlockOscillatorLen  = time.Millisecond
)

// Player owns the persistent context and plays one buffer at a time.
type Player struct {
	factory    ContextFactory
	decoder    Decoder
	httpClient *http.Client
	logger     *Logger

	mu       sync.Mutex
	ctx      *Context
	current  *Source
	paused   bool
	ended    bool
	unlocked bool
}

type PlayerOption func(*Player)

// WithHTTPClient sets the client PlayURL fetches with.
func WithHTTPClient(c *http.Client) PlayerOption {
	return func(p *Player) { p.httpClient = c }
}

func WithPlayerLogger(l *Logger) PlayerOption {
	return func(p *Player) { p.logger = l.WithComponent("Player") }
}

func NewPlayer(factory ContextFactory, decoder Decoder, opts ...PlayerOption) *Player {
	p := &Player{
		factory:    factory,
		decoder:    decoder,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     GetGlobalLogger().WithComponent("Player"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Context returns the live context, creating it if missing or closed.
func (p *Player) Context() *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.contextLocked()
}

func (p *Player) contextLocked() *Context {
	if p.ctx == nil || p.ctx.State() == ContextClosed {
		if p.ctx != nil {
			p.logger.Info("Context closed, recreating")
		}
		p.ctx = p.factory()
		p.current = nil
		p.unlocked = false
	}
	return p.ctx
}

// Unlock resumes the context and pulses an inaudible oscillator so outputs
// that stay asleep after a bare resume start rendering.
func (p *Player) Unlock() error {
	ctx := p.Context()
	if err := ctx.Resume(); err != nil {
		return NewUnlockError(err)
	}

	osc, err := ctx.StartOscillator(unlockOscillatorFreq, unlockOscillatorGain, unlockOscillatorLen)
	if err != nil {
		p.logger.WithError(err).Debug("Unlock oscillator failed")
	} else {
		osc.Stop()
	}

	p.mu.Lock()
	p.unlocked = true
	p.paused = false
	p.mu.Unlock()

	p.logger.LogAudioEvent("context_unlocked", map[string]interface{}{
		"sample_rate": ctx.SampleRate(),
	})
	return nil
}

// Unlocked reports whether Unlock succeeded on the live context.
func (p *Player) Unlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlocked && p.ctx != nil && p.ctx.State() != ContextClosed
}

// Decode decodes data at the context rate.
func (p *Player) Decode(data []byte) (*Buffer, error) {
	buf, err := p.decoder.Decode(data, p.Context().SampleRate())
	if err != nil {
		decodeFailures.Inc()
		return nil, NewDecodeError(len(data), err)
	}
	return buf, nil
}

// PlayBuffer stops whatever is playing, decodes data and starts it. onEnded
// runs on the dispatcher when the buffer plays to its end, never after Stop.
func (p *Player) PlayBuffer(data []byte, onEnded func()) (*Source, error) {
	p.Stop()

	buf, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.PlayDecoded(buf, 1, onEnded)
}

// PlayDecoded starts an already decoded buffer at rate.
func (p *Player) PlayDecoded(buf *Buffer, rate float64, onEnded func()) (*Source, error) {
	p.mu.Lock()
	ctx := p.contextLocked()
	paused := p.paused
	p.mu.Unlock()

	if !paused && ctx.State() == ContextSuspended {
		if err := ctx.Resume(); err != nil {
			return nil, NewPlaybackError(fmt.Sprintf("failed to resume context: %v", err))
		}
	}

	src := ctx.NewSource(buf, true)
	src.SetPlaybackRate(rate)
	src.OnEnded(func(natural bool) {
		p.mu.Lock()
		if p.current == src {
			p.current = nil
			p.ended = natural
		}
		p.mu.Unlock()

		if !natural {
			p.logger.WithField("source", src.ID()).Debug("Source stopped before its end")
			return
		}
		if onEnded != nil {
			onEnded()
		}
	})

	p.mu.Lock()
	p.current = src
	p.ended = false
	p.mu.Unlock()

	if err := src.Start(); err != nil {
		p.mu.Lock()
		if p.current == src {
			p.current = nil
		}
		p.mu.Unlock()
		return nil, WrapError(err, ErrCodePlayback)
	}
	chunksPlayed.Inc()

	p.logger.LogAudioEvent("source_started", map[string]interface{}{
		"source":   src.ID(),
		"duration": buf.Seconds(),
		"rate":     rate,
	})
	return src, nil
}

// PlayURL fetches url and plays the body.
func (p *Player) PlayURL(ctx context.Context, url string, onEnded func()) (*Source, error) {
	data, err := p.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return p.PlayBuffer(data, onEnded)
}

// Fetch downloads audio bytes. Network errors and non-2xx answers are FetchErrors.
func (p *Player) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fetchFailures.Inc()
		return nil, NewFetchError(url, err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		fetchFailures.Inc()
		return nil, NewFetchError(url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fetchFailures.Inc()
		return nil, NewFetchError(url, fmt.Errorf("unexpected status %s", resp.Status)).
			AddDetail("status", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fetchFailures.Inc()
		return nil, NewFetchError(url, err)
	}
	return data, nil
}

// Stop stops the current source. It is a no-op when idle.
func (p *Player) Stop() {
	p.mu.Lock()
	src := p.current
	p.current = nil
	p.mu.Unlock()

	if src != nil {
		src.Stop()
	}
}

// Pause suspends the context clock.
func (p *Player) Pause() error {
	p.mu.Lock()
	ctx := p.ctx
	p.paused = true
	p.mu.Unlock()
	if ctx == nil {
		return nil
	}
	return ctx.Suspend()
}

func (p *Player) Resume() error {
	p.mu.Lock()
	ctx := p.ctx
	p.paused = false
	p.mu.Unlock()
	if ctx == nil {
		return nil
	}
	return ctx.Resume()
}

// Current is the live source, if any.
func (p *Player) Current() *Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Player) CurrentTime() float64 {
	if src := p.Current(); src != nil {
		return src.Position()
	}
	return 0
}

func (p *Player) Duration() float64 {
	if src := p.Current(); src != nil {
		return src.Duration()
	}
	return 0
}

func (p *Player) Paused() bool {
	p.mu.Lock()
	src, paused, ctx := p.current, p.paused, p.ctx
	p.mu.Unlock()
	return src == nil || src.Finished() || paused || ctx == nil || ctx.State() != ContextRunning
}

func (p *Player) Ended() bool {
	p.mu.Lock()
	src, ended := p.current, p.ended
	p.mu.Unlock()
	if src != nil {
		return src.ReachedEnd()
	}
	return ended
}

// Close stops playback and closes the context.
func (p *Player) Close() error {
	p.Stop()
	p.mu.Lock()
	ctx := p.ctx
	p.ctx = nil
	p.unlocked = false
	p.mu.Unlock()
	if ctx == nil {
		return nil
	}
	return ctx.Close()
}
