package lifecycle

import (
	"fmt"
	"slices"
	"sync"
)

// Hub is an in-process HostLifecycle. The CLI host channel and tests feed it
// foreground/background signals.
type Hub struct {
	mu        sync.Mutex
	nextID    uint64
	observers map[uint64]Observer
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{observers: map[uint64]Observer{}}
}

// Register implements HostLifecycle.
func (h *Hub) Register(observer Observer) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.observers[id] = observer
	return &hubSubscription{hub: h, id: id}
}

// Registered returns the number of live registrations.
func (h *Hub) Registered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// Background notifies every observer that owner left the foreground.
func (h *Hub) Background(owner string) {
	for _, observer := range h.snapshot() {
		observer.OnBackground(owner)
	}
}

// Foreground notifies every observer that owner returned.
func (h *Hub) Foreground(owner string) {
	for _, observer := range h.snapshot() {
		observer.OnForeground(owner)
	}
}

// Signal dispatches a named signal.
func (h *Hub) Signal(signal, owner string) error {
	switch signal {
	case SignalBackground:
		h.Background(owner)
	case SignalForeground:
		h.Foreground(owner)
	default:
		return fmt.Errorf("unknown lifecycle signal %q", signal)
	}
	return nil
}

func (h *Hub) snapshot() []Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uint64, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.observers[id])
	}
	return out
}

type hubSubscription struct {
	hub  *Hub
	id   uint64
	once sync.Once
}

func (s *hubSubscription) Unregister() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		delete(s.hub.observers, s.id)
	})
}
