package events

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

func TestPublishDeliversToSpecificSubscribers(t *testing.T) {
	t.Parallel()

	bus := New(WithLogger(newCaptureLogger().logger))

	transitions := make(chan Event, 1)
	permissions := make(chan Event, 1)

	bus.Subscribe(EventTypeStateTransition, func(event Event) {
		transitions <- event
	})
	bus.Subscribe(EventTypePermissionOutcome, func(event Event) {
		permissions <- event
	})

	bus.Publish(Event{
		Type:   EventTypeStateTransition,
		ViewID: "view-1",
	})

	got := waitForEvent(t, transitions)
	if got.Type != EventTypeStateTransition {
		t.Fatalf("received type = %q, want %q", got.Type, EventTypeStateTransition)
	}

	select {
	case got := <-permissions:
		t.Fatalf("unexpected permission event delivered: %#v", got)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSubscribeAllReceivesEveryEvent(t *testing.T) {
	t.Parallel()

	bus := New()
	all := make(chan Event, 2)

	bus.SubscribeAll(func(event Event) {
		all <- event
	})

	bus.Publish(Event{Type: EventTypeLifecycle, ViewID: "view-1"})
	bus.Publish(Event{Type: EventTypeSystemAlert, ViewID: "view-1", Severity: SeverityError})

	first := waitForEvent(t, all)
	second := waitForEvent(t, all)
	if first.Type != EventTypeLifecycle || second.Type != EventTypeSystemAlert {
		t.Fatalf("wildcard order = [%s %s], want [%s %s]", first.Type, second.Type, EventTypeLifecycle, EventTypeSystemAlert)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	bus := New()
	var received atomic.Int64
	unsubscribe := bus.Subscribe(EventTypeRecognized, func(Event) {
		received.Add(1)
	})

	bus.Publish(Event{Type: EventTypeRecognized})
	waitForCount(t, &received, 1, 2*time.Second)

	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventTypeRecognized})

	time.Sleep(100 * time.Millisecond)
	if got := received.Load(); got != 1 {
		t.Fatalf("received = %d after unsubscribe, want 1", got)
	}
}

func TestPublishDropsWhenSubscriberBufferIsFullAndReturnsQuickly(t *testing.T) {
	t.Parallel()

	capture := newCaptureLogger()
	bus := New(WithBufferSize(1), WithLogger(capture.logger))

	started := make(chan struct{}, 1)
	unblock := make(chan struct{})

	bus.Subscribe(EventTypeLifecycle, func(Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-unblock
	})

	event := Event{Type: EventTypeLifecycle, ViewID: "view-9", Severity: SeverityWarn}
	bus.Publish(event)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to block")
	}

	bus.Publish(event)

	start := time.Now()
	bus.Publish(event)
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("publish blocked for %s; expected non-blocking behavior", elapsed)
	}
	close(unblock)

	if !capture.contains("dropping event") {
		t.Fatalf("expected drop warning log, got %q", capture.String())
	}
}

func TestPublishPopulatesTimestampAndSeverity(t *testing.T) {
	t.Parallel()

	bus := New()
	ch := make(chan Event, 1)
	bus.Subscribe(EventTypePermissionOutcome, func(event Event) {
		ch <- event
	})

	bus.Publish(Event{
		Type:    EventTypePermissionOutcome,
		ViewID:  "view-2",
		Payload: map[string]any{"granted": true},
	})

	got := waitForEvent(t, ch)
	if got.Timestamp.IsZero() {
		t.Fatal("timestamp is zero; expected publish to populate timestamp")
	}
	if got.Severity != SeverityInfo {
		t.Fatalf("severity = %q, want %q", got.Severity, SeverityInfo)
	}
	if got.ViewID != "view-2" {
		t.Fatalf("view id = %q, want %q", got.ViewID, "view-2")
	}
}

func TestCloseIgnoresLaterPublishes(t *testing.T) {
	t.Parallel()

	bus := New()
	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	bus.Close()
	bus.Close()
	bus.Publish(Event{Type: EventTypeRecognized})
	unsubscribe := bus.Subscribe(EventTypeRecognized, func(Event) {
		received.Add(1)
	})
	unsubscribe()

	time.Sleep(50 * time.Millisecond)
	if got := received.Load(); got != 0 {
		t.Fatalf("received = %d after close, want 0", got)
	}
}

func TestBusSupportsConcurrentPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := New(WithBufferSize(5000))
	const publisherCount = 20
	const eventsPerPublisher = 100

	var received atomic.Int64
	bus.SubscribeAll(func(Event) {
		received.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < publisherCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerPublisher; j++ {
				bus.Publish(Event{Type: EventTypeRecognized, ViewID: "concurrent"})
			}
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsubscribe := bus.Subscribe(EventTypeRecognized, func(Event) {})
			unsubscribe()
		}()
	}

	wg.Wait()
	waitForCount(t, &received, publisherCount*eventsPerPublisher, 2*time.Second)
}

func waitForEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()

	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitForCount(t *testing.T, got *atomic.Int64, want int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("received count = %d, want at least %d", got.Load(), want)
}

type captureLogger struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	logger *log.Logger
}

func newCaptureLogger() *captureLogger {
	capture := &captureLogger{}
	capture.logger = log.NewWithOptions(capture, log.Options{Level: log.DebugLevel})
	return capture
}

func (c *captureLogger) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *captureLogger) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *captureLogger) contains(fragment string) bool {
	return strings.Contains(c.String(), fragment)
}
