package voiceplay

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TickSource drives a scheduled task. Start returns the tick channel and a
// function releasing it.
type TickSource interface {
	Start() (<-chan time.Time, func())
	String() string
}

type intervalSource struct {
	every time.Duration
	name  string
}

func (s intervalSource) Start() (<-chan time.Time, func()) {
	t := time.NewTicker(s.every)
	return t.C, t.Stop
}

func (s intervalSource) String() string {
	return fmt.Sprintf("%s(%s)", s.name, s.every)
}

// Interval ticks every d.
func Interval(d time.Duration) TickSource {
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	return intervalSource{every: d, name: "interval"}
}

// Frames ticks at a display refresh rate. It stands in for a repaint callback
// on hosts without one.
func Frames(fps int) TickSource {
	if fps <= 0 {
		fps = 60
	}
	return intervalSource{every: time.Second / time.Duration(fps), name: "frames"}
}

// ManualTicks is a TickSource advanced by hand. Tick returns after the task's
// callback for that tick has run.
type ManualTicks struct {
	ch   chan time.Time
	done chan struct{}
}

func NewManualTicks() *ManualTicks {
	return &ManualTicks{
		ch:   make(chan time.Time),
		done: make(chan struct{}),
	}
}

func (m *ManualTicks) Start() (<-chan time.Time, func()) {
	return m.ch, func() {}
}

func (m *ManualTicks) String() string { return "manual" }

// Tick delivers one tick. It reports false when no task took it within a second.
func (m *ManualTicks) Tick(now time.Time) bool {
	select {
	case m.ch <- now:
	case <-time.After(time.Second):
		return false
	}
	<-m.done
	return true
}

func (m *ManualTicks) ack() {
	m.done <- struct{}{}
}

type acker interface {
	ack()
}

// Task is a cancellable loop invoking a callback on every tick.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	source TickSource
	once   sync.Once
}

// Schedule runs fn on every tick of src until fn returns false, ctx ends, or
// the task is cancelled.
func Schedule(ctx context.Context, src TickSource, fn func(now time.Time) bool) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel: cancel,
		done:   make(chan struct{}),
		source: src,
	}

	ticks, release := src.Start()
	go func() {
		defer close(t.done)
		defer release()
		defer cancel()

		a, _ := src.(acker)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticks:
				keep := fn(now)
				if a != nil {
					a.ack()
				}
				if !keep {
					return
				}
			}
		}
	}()
	return t
}

// Cancel stops the task. It does not wait; use Done for that.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Done is closed once the task's goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Stop cancels the task and waits for it to exit.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.Cancel()
	<-t.done
}

func (t *Task) String() string {
	return "task(" + t.source.String() + ")"
}
