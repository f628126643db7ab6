// Package pubsub provides the subscription contract shared by the client
// core: listeners are registered through a hub and released through the
// returned Subscription, so no add/remove listener pairs can leak.
package pubsub

import "sync"

type Subscription struct {
	cancel func()
}

func (s Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type Hub[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(T)
}

func (h *Hub[T]) Subscribe(fn func(T)) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.listeners == nil {
		h.listeners = make(map[int]func(T))
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn

	return Subscription{cancel: func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}}
}

// Publish delivers v to every listener registered at call time. Listeners
// run outside the hub lock, so they may subscribe or unsubscribe reentrantly.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}
