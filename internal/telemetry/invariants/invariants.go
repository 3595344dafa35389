// Package invariants reports broken runtime guarantees of the scanner as
// span events and to registered observers.
package invariants

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Name identifies one guarantee.
type Name string

const (
	StateTransitionLegal Name = "state_transition_legal"
	SingleActiveHandle   Name = "single_active_handle"
	DeliveryWhileRunning Name = "delivery_while_running"
	FlipPreservesFacing  Name = "flip_preserves_facing"
)

// Severity grades a violation.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// EventName is the span event recorded for each violation.
const EventName = "invariant.violation"

// Violation describes one broken guarantee.
type Violation struct {
	Name     Name
	Severity Severity
	// DetectedAt names the operation that noticed the breach, e.g. "locks.Acquire".
	DetectedAt string
	Reason     string
	Context    map[string]string
}

func (v Violation) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("invariant", string(v.Name)),
		attribute.String("severity", string(v.Severity)),
		attribute.String("detected_at", v.DetectedAt),
		attribute.String("reason", v.Reason),
	}
	for _, key := range slices.Sorted(maps.Keys(v.Context)) {
		if value := strings.TrimSpace(v.Context[key]); value != "" {
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}
	return attrs
}

var (
	disabled atomic.Bool

	observersMu sync.RWMutex
	observers   = map[int]func(Violation){}
	nextID      int
)

// SetEnabled turns reporting on or off process-wide. Checks still return
// their verdict while disabled.
func SetEnabled(enabled bool) {
	disabled.Store(!enabled)
}

// Enabled reports whether violations are being reported.
func Enabled() bool {
	return !disabled.Load()
}

// Observe calls fn for every reported violation until the returned func is
// called.
func Observe(fn func(Violation)) func() {
	observersMu.Lock()
	defer observersMu.Unlock()
	id := nextID
	nextID++
	observers[id] = fn
	return func() {
		observersMu.Lock()
		defer observersMu.Unlock()
		delete(observers, id)
	}
}

// Report records v on the span in ctx, or on a short-lived span when ctx
// carries none, and notifies observers.
func Report(ctx context.Context, v Violation) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if v.Name == "" {
		v.Name = "unknown"
	}
	if v.Severity != SeverityWarn {
		v.Severity = SeverityError
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent(EventName, trace.WithAttributes(v.attributes()...))
	} else {
		_, span := otel.Tracer("qrbridge/invariants").Start(ctx, EventName)
		span.AddEvent(EventName, trace.WithAttributes(v.attributes()...))
		span.End()
	}

	observersMu.RLock()
	fns := slices.Collect(maps.Values(observers))
	observersMu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// CheckStateTransitionLegal reports when a session transition is not in the
// lifecycle table.
func CheckStateTransitionLegal(ctx context.Context, detectedAt, from, to string, legal bool) bool {
	if legal {
		return true
	}
	Report(ctx, Violation{
		Name:       StateTransitionLegal,
		DetectedAt: detectedAt,
		Reason:     fmt.Sprintf("no transition %s -> %s", from, to),
		Context:    map[string]string{"from_state": from, "to_state": to},
	})
	return false
}

// CheckSingleActiveHandle reports when more than one view holds the camera.
func CheckSingleActiveHandle(ctx context.Context, detectedAt string, holders []string) bool {
	if len(holders) <= 1 {
		return true
	}
	Report(ctx, Violation{
		Name:       SingleActiveHandle,
		DetectedAt: detectedAt,
		Reason:     fmt.Sprintf("%d views hold the camera", len(holders)),
		Context:    map[string]string{"holders": strings.Join(holders, ",")},
	})
	return false
}

// CheckDeliveryWhileRunning reports a result admitted outside Running.
func CheckDeliveryWhileRunning(ctx context.Context, detectedAt, viewID, state string) bool {
	if state == "running" {
		return true
	}
	Report(ctx, Violation{
		Name:       DeliveryWhileRunning,
		DetectedAt: detectedAt,
		Reason:     "result admitted in state " + state,
		Context:    map[string]string{"view_id": viewID, "state": state},
	})
	return false
}

// CheckFlipPreservesFacing reports a failed flip that still changed facing.
func CheckFlipPreservesFacing(ctx context.Context, detectedAt, before, after string) bool {
	if before == after {
		return true
	}
	Report(ctx, Violation{
		Name:       FlipPreservesFacing,
		Severity:   SeverityWarn,
		DetectedAt: detectedAt,
		Reason:     fmt.Sprintf("facing moved %s -> %s after a failed flip", before, after),
	})
	return false
}
