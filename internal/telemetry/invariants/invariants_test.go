package invariants

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestReportAddsEventToActiveSpan(t *testing.T) {
	recorder := installTracerProvider(t)

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	Report(ctx, Violation{
		Name:       SingleActiveHandle,
		DetectedAt: "locks.Acquire",
		Reason:     "two holders",
		Context:    map[string]string{"view_id": "1", "blank": " "},
	})
	span.End()

	events := spanEvents(recorder, "operation")
	require.Len(t, events, 1)
	assert.Equal(t, EventName, events[0].Name)
	assert.Equal(t, string(SingleActiveHandle), eventAttr(events[0], "invariant"))
	assert.Equal(t, string(SeverityError), eventAttr(events[0], "severity"))
	assert.Equal(t, "locks.Acquire", eventAttr(events[0], "detected_at"))
	assert.Equal(t, "1", eventAttr(events[0], "context.view_id"))
	assert.Empty(t, eventAttr(events[0], "context.blank"))
}

func TestReportWithoutSpanStartsOne(t *testing.T) {
	recorder := installTracerProvider(t)

	Report(context.Background(), Violation{Name: DeliveryWhileRunning})

	events := spanEvents(recorder, EventName)
	require.Len(t, events, 1)
	assert.Equal(t, string(DeliveryWhileRunning), eventAttr(events[0], "invariant"))
}

func TestDisabledReportingStillReturnsVerdict(t *testing.T) {
	recorder := installTracerProvider(t)
	SetEnabled(false)
	t.Cleanup(func() { SetEnabled(true) })

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.False(t, CheckDeliveryWhileRunning(ctx, "resultpipe.Run", "1", "paused"))
	span.End()

	assert.Empty(t, spanEvents(recorder, "operation"))
}

func TestChecks(t *testing.T) {
	tests := []struct {
		name         string
		want         Name
		wantSeverity Severity
		run          func(ctx context.Context) bool
	}{
		{
			name: "illegal transition",
			want: StateTransitionLegal, wantSeverity: SeverityError,
			run: func(ctx context.Context) bool {
				return CheckStateTransitionLegal(ctx, "state.Transition", "idle", "paused", false)
			},
		},
		{
			name: "two holders",
			want: SingleActiveHandle, wantSeverity: SeverityError,
			run: func(ctx context.Context) bool {
				return CheckSingleActiveHandle(ctx, "locks.Acquire", []string{"1", "2"})
			},
		},
		{
			name: "paused delivery",
			want: DeliveryWhileRunning, wantSeverity: SeverityError,
			run: func(ctx context.Context) bool {
				return CheckDeliveryWhileRunning(ctx, "scanner.admit", "1", "paused")
			},
		},
		{
			name: "flip moved facing",
			want: FlipPreservesFacing, wantSeverity: SeverityWarn,
			run: func(ctx context.Context) bool {
				return CheckFlipPreservesFacing(ctx, "scanner.flip", "back", "front")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := installTracerProvider(t)
			var seen []Violation
			var mu sync.Mutex
			stop := Observe(func(v Violation) {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, v)
			})
			defer stop()

			ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
			assert.False(t, tt.run(ctx))
			span.End()

			events := spanEvents(recorder, "operation")
			require.Len(t, events, 1)
			assert.Equal(t, string(tt.want), eventAttr(events[0], "invariant"))
			assert.Equal(t, string(tt.wantSeverity), eventAttr(events[0], "severity"))

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, seen, 1)
			assert.Equal(t, tt.want, seen[0].Name)
		})
	}
}

func TestPassingChecksReportNothing(t *testing.T) {
	recorder := installTracerProvider(t)
	calls := 0
	stop := Observe(func(Violation) { calls++ })
	defer stop()

	ctx, span := otel.Tracer("test/invariants").Start(context.Background(), "operation")
	assert.True(t, CheckStateTransitionLegal(ctx, "state", "idle", "running", true))
	assert.True(t, CheckSingleActiveHandle(ctx, "locks", []string{"1"}))
	assert.True(t, CheckDeliveryWhileRunning(ctx, "scanner", "1", "running"))
	assert.True(t, CheckFlipPreservesFacing(ctx, "scanner", "back", "back"))
	span.End()

	assert.Empty(t, spanEvents(recorder, "operation"))
	assert.Zero(t, calls)
}

func TestObserveStop(t *testing.T) {
	installTracerProvider(t)
	calls := 0
	stop := Observe(func(Violation) { calls++ })

	Report(context.Background(), Violation{Name: SingleActiveHandle})
	stop()
	Report(context.Background(), Violation{Name: SingleActiveHandle})

	assert.Equal(t, 1, calls)
}

func installTracerProvider(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	})
	return recorder
}

func spanEvents(recorder *tracetest.SpanRecorder, spanName string) []sdktrace.Event {
	for _, finished := range recorder.Ended() {
		if finished.Name() == spanName {
			return finished.Events()
		}
	}
	return nil
}

func eventAttr(event sdktrace.Event, key string) string {
	for _, attr := range event.Attributes {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
