package capture

import "sync"

// Hub fans events out to subscribers. Unsubscribe functions are idempotent.
type Hub[T any] struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]func(T)
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns the function that removes it.
func (h *Hub[T]) Subscribe(fn func(T)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Publish delivers v to every current subscriber. Callbacks run outside the lock
// so they may unsubscribe themselves.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
