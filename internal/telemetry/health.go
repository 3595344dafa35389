package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/state"
)

// FaultTracker follows bus events and reports a view unhealthy from its last
// error-severity alert until the view runs again or is disposed.
type FaultTracker struct {
	mu     sync.Mutex
	faults map[string]string
}

// NewFaultTracker returns a tracker with no recorded faults.
func NewFaultTracker() *FaultTracker {
	return &FaultTracker{faults: map[string]string{}}
}

// TrackFaults subscribes a new tracker to every event on bus. The returned
// function unsubscribes it.
func TrackFaults(bus events.Bus) (*FaultTracker, func()) {
	tracker := NewFaultTracker()
	return tracker, bus.SubscribeAll(tracker.Observe)
}

// Observe records one event.
func (t *FaultTracker) Observe(event events.Event) {
	if event.ViewID == "" {
		return
	}
	switch event.Type {
	case events.EventTypeSystemAlert:
		if event.Severity != events.SeverityError {
			return
		}
		t.mu.Lock()
		t.faults[event.ViewID] = describeAlert(event.Payload)
		t.mu.Unlock()
	case events.EventTypeStateTransition:
		record, ok := event.Payload.(state.TransitionRecord)
		if !ok || (record.ToState != state.Running && record.ToState != state.Disposed) {
			return
		}
		t.mu.Lock()
		delete(t.faults, event.ViewID)
		t.mu.Unlock()
	}
}

// Health implements HealthFunc.
func (t *FaultTracker) Health(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.faults) == 0 {
		return nil
	}
	views := make([]string, 0, len(t.faults))
	for viewID := range t.faults {
		views = append(views, viewID)
	}
	sort.Strings(views)
	parts := make([]string, 0, len(views))
	for _, viewID := range views {
		parts = append(parts, fmt.Sprintf("view %s: %s", viewID, t.faults[viewID]))
	}
	return errors.New(strings.Join(parts, "; "))
}

func describeAlert(payload any) string {
	fields, ok := payload.(map[string]string)
	if !ok {
		return "alert"
	}
	switch {
	case fields["operation"] != "" && fields["error"] != "":
		return fields["operation"] + ": " + fields["error"]
	case fields["error"] != "":
		return fields["error"]
	default:
		return "alert"
	}
}
