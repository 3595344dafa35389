package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/touchcapture/qrbridge/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is one scanner session lifecycle state.
type State string

const (
	Uninitialized State = "uninitialized"
	Idle          State = "idle"
	Running       State = "running"
	Paused        State = "paused"
	Disposed      State = "disposed"
)

const historyLimit = 64

var allowedTransitions = map[State]map[State]struct{}{
	Uninitialized: {
		Idle:     {},
		Disposed: {},
	},
	Idle: {
		Running:  {},
		Disposed: {},
	},
	Running: {
		Paused:   {},
		Disposed: {},
	},
	Paused: {
		Running:  {},
		Disposed: {},
	},
}

// HoldsHandle reports whether a session in s owns an allocated camera handle.
func (s State) HoldsHandle() bool {
	switch s {
	case Idle, Running, Paused:
		return true
	default:
		return false
	}
}

// Observer is notified after every committed transition.
type Observer func(ctx context.Context, record TransitionRecord)

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver registers an observer for committed transitions.
func WithObserver(observer Observer) Option {
	return func(machine *Machine) {
		if observer != nil {
			machine.observers = append(machine.observers, observer)
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for scanner lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine holds the current lifecycle state of one scanner session and
// rejects transitions outside the lifecycle table.
type Machine struct {
	sessionID string
	tracer    trace.Tracer
	now       func() time.Time
	observers []Observer

	mu      sync.RWMutex
	current State
	history []TransitionRecord
}

// NewMachine builds a lifecycle machine starting in Uninitialized.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		tracer:    otel.Tracer("qrbridge/state"),
		now:       time.Now,
		current:   Uninitialized,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Can reports whether the current state may move to next.
func (m *Machine) Can(next State) bool {
	return isAllowed(m.Current(), next)
}

// Transition validates and commits one state change.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.mu.Lock()
	fromState := m.current
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !isAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
			Reason:    "illegal transition for scanner lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	m.mu.Unlock()

	for _, observer := range m.observers {
		observer(ctx, record)
	}
	span.SetStatus(codes.Ok, "state transition committed")
	return nil
}

// History returns the most recent transition records, oldest first.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState State) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
