package events

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 100

	// EventTypeStateTransition identifies scanner session state changes.
	EventTypeStateTransition = "StateTransition"
	// EventTypePermissionOutcome identifies resolved camera permission requests.
	EventTypePermissionOutcome = "PermissionOutcome"
	// EventTypeLifecycle identifies host foreground/background signals acted on.
	EventTypeLifecycle = "Lifecycle"
	// EventTypeRecognized identifies a decoded result forwarded to the host.
	EventTypeRecognized = "Recognized"
	// EventTypeSystemAlert identifies hardware faults and invariant breaches.
	EventTypeSystemAlert = "SystemAlert"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is an observability notification raised inside the bridge.
type Event struct {
	Type      string
	Timestamp time.Time
	ViewID    string
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler) func()
	SubscribeAll(handler Handler) func()
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the logger used for dropped-event warnings.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered
// channels. Slow subscribers lose events rather than stall publishers, so it
// must never carry host-facing results.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         *log.Logger
	typedSubs      map[string][]*subscriber
	wildcardSubs   []*subscriber
	nextSubscriber uint64
	closed         bool
}

type subscriber struct {
	id   uint64
	ch   chan Event
	once sync.Once
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.New(io.Discard),
		typedSubs:    make(map[string][]*subscriber),
		wildcardSubs: make([]*subscriber, 0),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a specific event type and returns a
// function that removes it.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) func() {
	normalizedType := strings.TrimSpace(eventType)
	if normalizedType == "" || handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.newSubscriberLocked()
	b.typedSubs[normalizedType] = append(b.typedSubs[normalizedType], sub)
	b.mu.Unlock()

	go consume(sub, handler)
	return func() {
		b.mu.Lock()
		b.typedSubs[normalizedType] = without(b.typedSubs[normalizedType], sub.id)
		b.mu.Unlock()
		sub.stop()
	}
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	sub := b.newSubscriberLocked()
	b.wildcardSubs = append(b.wildcardSubs, sub)
	b.mu.Unlock()

	go consume(sub, handler)
	return func() {
		b.mu.Lock()
		b.wildcardSubs = without(b.wildcardSubs, sub.id)
		b.mu.Unlock()
		sub.stop()
	}
}

// Publish delivers an event to typed subscribers and wildcard subscribers.
func (b *InMemoryBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// Close stops every subscriber. Later publishes are ignored.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	for _, sub := range b.wildcardSubs {
		sub.stop()
	}
	b.typedSubs = map[string][]*subscriber{}
	b.wildcardSubs = nil
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Warn(
			"dropping event for slow subscriber",
			"subscriber", sub.id,
			"type", event.Type,
			"view_id", event.ViewID,
		)
	}
}

func (b *InMemoryBus) newSubscriberLocked() *subscriber {
	b.nextSubscriber++
	return &subscriber{
		id: b.nextSubscriber,
		ch: make(chan Event, b.bufferSize),
	}
}

func consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}

func without(subs []*subscriber, id uint64) []*subscriber {
	out := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
