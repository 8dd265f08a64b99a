package voiceplay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineOptions wires an Engine. Zero fields get defaults built from Config.
type EngineOptions struct {
	Config      *Config
	Sink        Sink
	Decoder     Decoder
	Gestures    GestureSource
	WarmElement WarmElement
	HTTPClient  *http.Client
	Logger      *Logger

	ProgressTicks TickSource
	PollTicks     TickSource
	FrameTicks    TickSource
}

// PlaybackResult describes how an utterance finished. Played is false when
// no audio ever started, which callers treat as a cue for fallback speech.
type PlaybackResult struct {
	ID     string
	Played bool
	Err    *VoiceError
}

type PlaybackEndedHandler func(PlaybackResult)

type playMode int

const (
	modeIdle playMode = iota
	modeBuffer
	modeStream
)

// Engine is the per-session audio engine: one context, one unlock gate, one
// queue and one karaoke synchronizer shared by every consumer.
type Engine struct {
	cfg        *Config
	logger     *Logger
	dispatcher *Dispatcher
	player     *Player
	gate       *UnlockGate
	queue      *StreamQueue
	sync       *Synchronizer
	hub        *GestureHub

	mu         sync.Mutex
	snapshot   Snapshot
	gen        uint64
	id         string
	mode       playMode
	streamOpen bool
	held       [][]byte
	played     bool
	lastErr    *VoiceError

	snapshots listeners[SnapshotHandler]
	errs      listeners[ErrorHandler]
	ended     listeners[PlaybackEndedHandler]
	unsubs    []func()
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = GetGlobalLogger()
	}
	if opts.Sink == nil {
		opts.Sink = NewPortAudioSink(cfg.SampleRate, cfg.BufferSize, cfg.OutputDeviceID)
	}
	if opts.Decoder == nil {
		opts.Decoder = NewBeepDecoder(cfg.SampleRate)
	}
	if opts.ProgressTicks == nil {
		opts.ProgressTicks = Interval(cfg.ProgressInterval)
	}
	if opts.PollTicks == nil {
		opts.PollTicks = Interval(cfg.KaraokePollInterval)
	}
	if opts.FrameTicks == nil {
		opts.FrameTicks = Frames(cfg.KaraokeFPS)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger.WithComponent("Engine"),
		dispatcher: NewDispatcher(logger),
		snapshot:   Snapshot{State: StateIdle, CurrentWordIndex: -1, UpdatedAt: time.Now()},
	}

	sink := opts.Sink
	e.player = NewPlayer(func() *Context {
		return NewContext(sink, cfg.SampleRate, e.dispatcher, logger)
	}, opts.Decoder, WithPlayerLogger(logger))
	if opts.HTTPClient != nil {
		WithHTTPClient(opts.HTTPClient)(e.player)
	}

	gestures := opts.Gestures
	if gestures == nil {
		e.hub = NewGestureHub()
		gestures = e.hub
	}
	element := opts.WarmElement
	if element == nil {
		element = NewContextWarmElement(e.player)
	}
	e.gate = NewUnlockGate(gestures, element, e.dispatcher, logger)
	e.queue = NewStreamQueue(e.player, e.dispatcher, opts.ProgressTicks, logger)
	e.sync = NewSynchronizer(SynchronizerOptions{
		PollTicks:  opts.PollTicks,
		FrameTicks: opts.FrameTicks,
		Epsilon:    cfg.KaraokeTimeEpsilon,
	}, logger)

	e.unsubs = append(e.unsubs,
		e.queue.OnProgress(e.onQueueProgress),
		e.queue.Subscribe(e.onQueueEvent),
		e.queue.OnError(func(err *VoiceError) { e.reportError(err) }),
		e.sync.Subscribe(e.onKaraoke),
		e.gate.Subscribe(func(UnlockState) { e.refreshPending() }),
	)
	return e, nil
}

// Gestures is the built-in hub, nil when a GestureSource was supplied.
func (e *Engine) Gestures() *GestureHub { return e.hub }

func (e *Engine) Player() *Player { return e.player }

func (e *Engine) Queue() *StreamQueue { return e.queue }

func (e *Engine) Synchronizer() *Synchronizer { return e.sync }

func (e *Engine) Dispatcher() *Dispatcher { return e.dispatcher }

func (e *Engine) Config() *Config { return e.cfg }

// Warmup must be called synchronously from a user gesture handler.
func (e *Engine) Warmup() {
	e.gate.Warmup()
}

// Unlocked reports whether playback has been authorized.
func (e *Engine) Unlocked() bool {
	return e.gate.Unlocked()
}

func (e *Engine) UnlockState() UnlockState {
	return e.gate.State()
}

// Play plays one complete buffer. Before unlock the request is deferred
// (replacing any earlier deferred one) and Play returns nil.
func (e *Engine) Play(data []byte) error {
	return e.PlayWithWords(data, nil)
}

// PlayWithWords plays data and drives the karaoke index from words.
func (e *Engine) PlayWithWords(data []byte, words []WordTiming) error {
	gen, id := e.begin(modeBuffer)
	if !e.gate.Unlocked() {
		e.gate.Defer(func() {
			if err := e.playBuffer(gen, id, data, words); err != nil {
				e.finish(gen, err)
			}
		})
		e.logger.WithField("speech", id).Info("Playback deferred until unlock")
		e.refreshPending()
		return nil
	}
	if err := e.playBuffer(gen, id, data, words); err != nil {
		e.abandon(gen)
		return err
	}
	return nil
}

// PlayURL fetches url and plays it. Fetch failures are returned immediately.
func (e *Engine) PlayURL(ctx context.Context, url string) error {
	data, err := e.player.Fetch(ctx, url)
	if err != nil {
		e.reportError(err)
		return err
	}
	return e.Play(data)
}

func (e *Engine) playBuffer(gen uint64, id string, data []byte, words []WordTiming) error {
	if !e.current(gen) {
		return nil
	}
	e.queue.Stop()
	e.sync.StopTracking()
	e.sync.SetWords(words)
	e.sync.Attach(e.player)

	src, err := e.player.PlayBuffer(data, func() { e.finish(gen, nil) })
	if err != nil {
		e.reportError(err)
		return err
	}
	e.markPlayed(gen)
	e.sync.Start()
	e.update(func(s *Snapshot) {
		s.Playing = true
		s.Duration = src.Duration()
		s.Progress = 0
		s.Error = ""
	})
	e.logger.WithFields(map[string]interface{}{
		"speech":   id,
		"duration": src.Duration(),
		"words":    len(words),
	}).Info("Playing buffer")
	return nil
}

// Enqueue appends one chunk of a streamed utterance. Chunks arriving before
// unlock are held and released together on unlock.
func (e *Engine) Enqueue(data []byte) {
	e.mu.Lock()
	mode, gen := e.mode, e.gen
	e.mu.Unlock()
	if mode != modeStream {
		gen, _ = e.begin(modeStream)
		e.queue.Release()
	}
	e.enqueue(gen, data)
}

// enqueue adds a chunk to utterance gen. Chunks of a superseded utterance
// are dropped.
func (e *Engine) enqueue(gen uint64, data []byte) bool {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return false
	}
	if !e.gate.Unlocked() {
		first := len(e.held) == 0
		e.held = append(e.held, data)
		e.mu.Unlock()
		if first {
			e.gate.Defer(func() { e.releaseHeld(gen) })
			e.refreshPending()
		}
		return true
	}
	e.mu.Unlock()

	e.startStream()

	// Stop moves gen under e.mu before it stops the queue, so a chunk handed
	// over here is either current or dropped by that Stop.
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return false
	}
	e.queue.Enqueue(data)
	return true
}

func (e *Engine) releaseHeld(gen uint64) {
	if !e.current(gen) {
		return
	}
	e.startStream()

	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return
	}
	for _, chunk := range e.held {
		e.queue.Enqueue(chunk)
	}
	e.held = nil
}

func (e *Engine) startStream() {
	if e.queue.Active() {
		return
	}
	e.player.Stop()
	e.sync.StopTracking()
	e.sync.Attach(e.queue)
	e.sync.Start()
}

// PlaySpeech plays a synthesizer result: streamed chunks go through the
// queue, a complete buffer through Play with its word timings.
func (e *Engine) PlaySpeech(ctx context.Context, speech *Speech) error {
	if speech == nil {
		return NewPlaybackError("no speech to play")
	}
	if !speech.Streaming() {
		return e.PlayWithWords(speech.Audio, speech.Words)
	}

	gen, _ := e.begin(modeStream)
	e.queue.Stop()
	e.player.Stop()
	e.sync.StopTracking()

	e.mu.Lock()
	e.id = speech.ID
	e.streamOpen = true
	e.mu.Unlock()
	e.queue.Hold()
	e.sync.SetWords(speech.Words)

	go func() {
		defer e.dispatcher.Post(func() { e.streamClosed(gen) })
		for {
			select {
			case chunk, ok := <-speech.Chunks:
				if !ok {
					return
				}
				e.enqueue(gen, chunk)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

func (e *Engine) streamClosed(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.streamOpen = false
	e.queue.Release()
	idle := len(e.held) == 0 && !e.queue.Active()
	e.mu.Unlock()
	if idle {
		e.finish(gen, nil)
	}
}

// begin starts a new utterance generation, superseding the previous one.
func (e *Engine) begin(mode playMode) (uint64, string) {
	e.mu.Lock()
	e.gen++
	e.id = uuid.NewString()
	e.mode = mode
	e.streamOpen = false
	e.held = nil
	e.played = false
	e.lastErr = nil
	gen, id := e.gen, e.id
	e.mu.Unlock()
	return gen, id
}

// abandon drops an utterance that failed synchronously; the caller already
// has the error, so no ended result is published.
func (e *Engine) abandon(gen uint64) {
	e.mu.Lock()
	if gen == e.gen {
		e.mode = modeIdle
	}
	e.mu.Unlock()
}

func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return gen == e.gen
}

func (e *Engine) markPlayed(gen uint64) {
	e.mu.Lock()
	if gen == e.gen {
		e.played = true
	}
	e.mu.Unlock()
}

func (e *Engine) onQueueEvent(ev QueueEvent) {
	switch ev.Kind {
	case ChunkStarted:
		e.mu.Lock()
		e.played = true
		gen := e.gen
		e.mu.Unlock()
		e.update(func(s *Snapshot) {
			s.Playing = true
			s.Duration = e.queue.Duration()
			s.Error = ""
		})
		e.logger.WithFields(map[string]interface{}{
			"chunk":    ev.Index,
			"duration": ev.Duration,
			"gen":      gen,
		}).Debug("Chunk started")
	case QueueDrained:
		e.mu.Lock()
		gen := e.gen
		open := e.streamOpen || len(e.held) > 0
		e.mu.Unlock()
		if !open {
			e.finish(gen, nil)
		}
	}
}

func (e *Engine) onQueueProgress(pct, duration float64) {
	e.update(func(s *Snapshot) {
		s.Progress = pct
		if duration > 0 {
			s.Duration = duration
		}
	})
}

func (e *Engine) onKaraoke(k KaraokeState) {
	e.mu.Lock()
	mode := e.mode
	e.mu.Unlock()
	e.update(func(s *Snapshot) {
		s.CurrentWordIndex = k.CurrentWordIndex
		s.CurrentTime = k.CurrentTime
		if mode == modeBuffer {
			s.Progress = k.Progress
			s.Playing = k.IsPlaying
		}
	})
}

// finish ends the utterance of generation gen once.
func (e *Engine) finish(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen || e.mode == modeIdle {
		e.mu.Unlock()
		return
	}
	e.mode = modeIdle
	vErr := e.lastErr
	if err != nil {
		vErr = WrapError(err, CodeOf(err))
	}
	result := PlaybackResult{ID: e.id, Played: e.played, Err: vErr}
	e.mu.Unlock()

	if result.Played && result.Err == nil {
		e.sync.Complete()
	}
	pending := e.gate.HasPending()
	e.update(func(s *Snapshot) {
		s.Playing = false
		s.Pending = pending
		if result.Played && result.Err == nil {
			s.Progress = 100
		}
	})
	e.logger.WithFields(map[string]interface{}{
		"speech": result.ID,
		"played": result.Played,
	}).Debug("Playback finished")
	for _, h := range e.ended.snapshot() {
		h(result)
	}
}

// Stop silences everything, drops queued and deferred audio and reports a
// final zero progress.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.gen++
	e.mode = modeIdle
	e.streamOpen = false
	e.held = nil
	e.mu.Unlock()

	e.gate.ClearPending()
	e.queue.Stop()
	e.player.Stop()
	e.sync.StopTracking()
	e.update(func(s *Snapshot) {
		s.Playing = false
		s.Pending = false
		s.Progress = 0
		s.Duration = 0
	})
}

// Pause suspends the shared context.
func (e *Engine) Pause() error {
	if err := e.player.Pause(); err != nil {
		return err
	}
	e.update(func(s *Snapshot) { s.Playing = false })
	return nil
}

func (e *Engine) Resume() error {
	if err := e.player.Resume(); err != nil {
		return err
	}
	e.mu.Lock()
	active := e.mode != modeIdle
	e.mu.Unlock()
	e.update(func(s *Snapshot) { s.Playing = active })
	return nil
}

// SetPlaybackRate applies to streamed chunks now and later.
func (e *Engine) SetPlaybackRate(rate float64) {
	e.queue.SetPlaybackRate(rate)
	if src := e.player.Current(); src != nil {
		src.SetPlaybackRate(rate)
	}
}

// Busy reports whether an utterance is playing or deferred.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode != modeIdle
}

// SetState records the interaction state in the snapshot.
func (e *Engine) SetState(state VoiceButtonState) {
	e.update(func(s *Snapshot) { s.State = state })
}

// SetError records a user-facing error; soft errors are not shown.
func (e *Engine) SetError(err error) {
	msg := UserMessage(err)
	e.update(func(s *Snapshot) { s.Error = msg })
}

func (e *Engine) reportError(err error) {
	vErr := WrapError(err, CodeOf(err))
	if vErr == nil {
		return
	}
	e.mu.Lock()
	e.lastErr = vErr
	e.mu.Unlock()

	RecordError(vErr, "engine")
	e.logger.LogError(vErr)
	e.SetError(vErr)
	for _, h := range e.errs.snapshot() {
		h(vErr)
	}
}

func (e *Engine) refreshPending() {
	pending := e.gate.HasPending()
	e.update(func(s *Snapshot) { s.Pending = pending })
}

func (e *Engine) update(fn func(*Snapshot)) {
	e.mu.Lock()
	prev := e.snapshot
	fn(&e.snapshot)
	if e.snapshot == prev {
		e.mu.Unlock()
		return
	}
	e.snapshot.UpdatedAt = time.Now()
	snap := e.snapshot
	e.mu.Unlock()

	for _, h := range e.snapshots.snapshot() {
		h(snap)
	}
}

// Snapshot returns the current state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Subscribe registers a snapshot handler.
func (e *Engine) Subscribe(h SnapshotHandler) func() {
	return e.snapshots.add(h)
}

func (e *Engine) OnError(h ErrorHandler) func() {
	return e.errs.add(h)
}

// OnPlaybackEnded registers a handler called once per utterance.
func (e *Engine) OnPlaybackEnded(h PlaybackEndedHandler) func() {
	return e.ended.add(h)
}

// Close releases the context, the gate listeners and the dispatcher.
func (e *Engine) Close() error {
	e.Stop()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.sync.Close()
	e.queue.Close()
	e.gate.Close()
	err := e.player.Close()
	e.dispatcher.Close()
	return err
}
