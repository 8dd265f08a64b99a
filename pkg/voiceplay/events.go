package voiceplay

import "sync"

type listener[T any] struct {
	id uint64
	fn T
}

// listeners is a subscriber set. Each subscription gets its own id so
// unsubscribing one handler never removes another.
type listeners[T any] struct {
	mu    sync.Mutex
	next  uint64
	items []listener[T]
}

func (l *listeners[T]) add(fn T) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.items = append(l.items, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, item := range l.items {
		if item.id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

// snapshot copies the current handlers so callers can invoke them unlocked.
func (l *listeners[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]T, len(l.items))
	for i, item := range l.items {
		out[i] = item.fn
	}
	return out
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
