package voiceplay

import (
	"fmt"
	"sync"
)

// Dispatcher runs posted functions one at a time, in order, on a single
// goroutine. Engine callbacks (ended, unlock, gesture) run here so they never
// interleave with each other.
type Dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
	logger *Logger
}

func NewDispatcher(logger *Logger) *Dispatcher {
	d := &Dispatcher{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: loggerOr(logger, "dispatcher"),
	}
	go d.loop()
	return d
}

// Post queues fn. It reports false once the dispatcher is closed.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to run. Never call it from a dispatched function.
func (d *Dispatcher) Do(fn func()) bool {
	ran := make(chan struct{})
	if !d.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-d.done:
		return false
	}
}

// Sync waits until everything posted before the call has run.
func (d *Dispatcher) Sync() {
	d.Do(func() {})
}

// Close runs what is already queued and stops the loop.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			d.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-d.wake
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("dispatched callback panicked: %v", r)
		}
	}()
	fn()
}

// String is used in debug logs.
func (d *Dispatcher) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("dispatcher(queued=%d closed=%t)", len(d.queue), d.closed)
}
