package voiceplay

import (
	"context"
	"sync"
	"time"
)

// GestureSource delivers user gestures. Listeners run synchronously inside
// the gesture's own call stack.
type GestureSource interface {
	AddListener(g Gesture, fn func()) (remove func())
}

// GestureHub is a GestureSource fed by the host UI (key presses, clicks).
type GestureHub struct {
	mu    sync.Mutex
	byKey map[Gesture]*listeners[func()]
}

func NewGestureHub() *GestureHub {
	return &GestureHub{byKey: make(map[Gesture]*listeners[func()])}
}

func (h *GestureHub) AddListener(g Gesture, fn func()) func() {
	h.mu.Lock()
	set, ok := h.byKey[g]
	if !ok {
		set = &listeners[func()]{}
		h.byKey[g] = set
	}
	h.mu.Unlock()
	return set.add(fn)
}

// Fire runs every listener for g before returning.
func (h *GestureHub) Fire(g Gesture) {
	h.mu.Lock()
	set := h.byKey[g]
	h.mu.Unlock()
	if set == nil {
		return
	}
	for _, fn := range set.snapshot() {
		fn()
	}
}

// ListenerCount is the number of listeners across all gestures.
func (h *GestureHub) ListenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.byKey {
		n += set.len()
	}
	return n
}

// Warmup is the outcome of a warmup play. The play itself is started
// synchronously by WarmElement.Play inside the gesture handler; only the
// outcome may be awaited afterwards.
type Warmup struct {
	done chan struct{}
	once sync.Once
	err  error
}

func NewWarmup() *Warmup {
	return &Warmup{done: make(chan struct{})}
}

// Resolve settles the warmup. Later calls are ignored.
func (w *Warmup) Resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

func (w *Warmup) Done() <-chan struct{} { return w.done }

// Err is valid once Done is closed.
func (w *Warmup) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *Warmup) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WarmElement is the reusable output primed by a silent clip.
type WarmElement interface {
	// Play must start playback before it returns; it must not defer the
	// start to another goroutine.
	Play() *Warmup
	Pause()
	Rewind()
}

const warmupClipLength = 50 * time.Millisecond

// contextWarmElement warms the player's context with a short silent clip.
type contextWarmElement struct {
	player *Player

	mu  sync.Mutex
	src *Source
}

// NewContextWarmElement returns a WarmElement backed by player's context.
func NewContextWarmElement(player *Player) WarmElement {
	return &contextWarmElement{player: player}
}

func (e *contextWarmElement) Play() *Warmup {
	w := NewWarmup()
	if err := e.player.Unlock(); err != nil {
		w.Resolve(err)
		return w
	}
	ctx := e.player.Context()
	src := ctx.NewSource(SilentBuffer(ctx.SampleRate(), warmupClipLength), false)
	if err := src.Start(); err != nil {
		w.Resolve(NewUnlockError(err))
		return w
	}
	e.mu.Lock()
	e.src = src
	e.mu.Unlock()
	w.Resolve(nil)
	return w
}

func (e *contextWarmElement) Pause() {
	e.mu.Lock()
	src := e.src
	e.mu.Unlock()
	if src != nil {
		src.Stop()
	}
}

func (e *contextWarmElement) Rewind() {
	e.mu.Lock()
	e.src = nil
	e.mu.Unlock()
}

// UnlockGate turns the first successful gesture-driven warmup into a
// permanent unlocked state and replays at most one deferred request.
type UnlockGate struct {
	element    WarmElement
	dispatcher *Dispatcher
	logger     *Logger

	mu       sync.Mutex
	state    UnlockState
	removers []func()
	pending  func()
	retried  bool

	handlers listeners[UnlockHandler]
}

var unlockGestures = []Gesture{GestureTouchStart, GestureTouchEnd, GestureClick}

// NewUnlockGate registers gesture listeners on gestures once.
func NewUnlockGate(gestures GestureSource, element WarmElement, dispatcher *Dispatcher, logger *Logger) *UnlockGate {
	g := &UnlockGate{
		element:    element,
		dispatcher: dispatcher,
		logger:     loggerOr(logger, "UnlockGate"),
		state:      UnlockLocked,
	}
	if gestures != nil {
		for _, gesture := range unlockGestures {
			g.removers = append(g.removers, gestures.AddListener(gesture, g.Warmup))
		}
	}
	return g
}

// Warmup must be called synchronously from a gesture handler. It starts the
// warm element's play in the caller's stack and settles the gate later.
func (g *UnlockGate) Warmup() {
	g.mu.Lock()
	if g.state == UnlockUnlocked {
		g.mu.Unlock()
		return
	}
	entered := g.state == UnlockLocked
	g.state = UnlockWarming
	g.mu.Unlock()

	if entered {
		unlockTransitions.WithLabelValues(string(UnlockWarming)).Inc()
		g.notify(UnlockWarming)
	}

	w := g.element.Play()
	go func() {
		<-w.Done()
		err := w.Err()
		if !g.dispatcher.Post(func() { g.settle(err) }) {
			g.logger.Debug("Warmup settled after dispatcher close")
		}
	}()
}

func (g *UnlockGate) settle(err error) {
	if err != nil {
		g.logger.WithError(err).Debug("Warmup failed, waiting for next gesture")
		RecordError(NewUnlockError(err), "unlock_gate")
		return
	}

	g.mu.Lock()
	if g.state == UnlockUnlocked {
		g.mu.Unlock()
		return
	}
	g.element.Pause()
	g.element.Rewind()
	g.state = UnlockUnlocked
	removers := g.removers
	g.removers = nil
	retry := g.pending
	if retry != nil && !g.retried {
		g.retried = true
		g.pending = nil
	} else {
		retry = nil
	}
	g.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	unlockTransitions.WithLabelValues(string(UnlockUnlocked)).Inc()
	g.logger.Info("Audio unlocked")
	g.notify(UnlockUnlocked)

	if retry != nil {
		deferredPlaybacks.WithLabelValues("retried").Inc()
		g.logger.Debug("Retrying deferred playback")
		retry()
	}
}

// Defer stores fn to run once on unlock. A newer request replaces an older
// one. It reports false when the gate is already unlocked.
func (g *UnlockGate) Defer(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == UnlockUnlocked {
		return false
	}
	if g.pending != nil {
		deferredPlaybacks.WithLabelValues("replaced").Inc()
		g.logger.Debug("Deferred playback replaced by a newer request")
	}
	g.pending = fn
	g.retried = false
	deferredPlaybacks.WithLabelValues("deferred").Inc()
	return true
}

// ClearPending drops the deferred request, if any.
func (g *UnlockGate) ClearPending() {
	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()
}

func (g *UnlockGate) HasPending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

func (g *UnlockGate) State() UnlockState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *UnlockGate) Unlocked() bool {
	return g.State() == UnlockUnlocked
}

// Subscribe registers a handler for state changes.
func (g *UnlockGate) Subscribe(h UnlockHandler) func() {
	return g.handlers.add(h)
}

func (g *UnlockGate) notify(s UnlockState) {
	for _, h := range g.handlers.snapshot() {
		h(s)
	}
}

// Close removes gesture listeners still registered.
func (g *UnlockGate) Close() {
	g.mu.Lock()
	removers := g.removers
	g.removers = nil
	g.mu.Unlock()
	for _, remove := range removers {
		remove()
	}
}
