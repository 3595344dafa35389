// Package permission answers whether the bridge may use the camera and
// mediates the OS permission prompt.
package permission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/events"
)

// State is the last known camera permission outcome.
type State string

const (
	StateUnknown State = "unknown"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

var (
	// ErrRequestPending indicates an OS prompt is already outstanding.
	ErrRequestPending = errors.New("camera permission request already in progress")
	// ErrGateClosed indicates the owning view was disposed.
	ErrGateClosed = errors.New("permission gate closed")
)

// Platform is the OS permission surface.
type Platform interface {
	// RuntimePermissions reports whether the OS gates camera access behind a
	// runtime grant. Older platform versions grant at install time.
	RuntimePermissions() bool
	// Granted queries the current OS grant.
	Granted() bool
	// Prompt shows the OS dialog. The outcome arrives later via Gate.Resolve.
	Prompt() error
}

// Outcome is published on the bus when a request resolves.
type Outcome struct {
	Granted bool  `json:"granted"`
	State   State `json:"state"`
}

// Option configures Gate construction.
type Option func(*Gate)

// WithBus publishes resolved outcomes to bus.
func WithBus(bus events.Bus, viewID string) Option {
	return func(g *Gate) {
		g.bus = bus
		g.viewID = viewID
	}
}

// WithLogger configures the gate logger.
func WithLogger(logger *log.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gate tracks camera permission for one view. At most one OS prompt is
// outstanding at a time.
type Gate struct {
	platform Platform
	bus      events.Bus
	viewID   string
	logger   *log.Logger

	mu      sync.Mutex
	state   State
	pending chan bool
	closed  bool
	done    chan struct{}
}

// NewGate constructs a permission gate over platform.
func NewGate(platform Platform, options ...Option) (*Gate, error) {
	if platform == nil {
		return nil, errors.New("permission platform is required")
	}
	gate := &Gate{
		platform: platform,
		logger:   log.New(io.Discard),
		state:    StateUnknown,
		done:     make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	if gate.HasPermission() {
		gate.state = StateGranted
	}
	return gate, nil
}

// HasPermission queries the OS. It is re-evaluated on every call because the
// grant can be revoked out of band.
func (g *Gate) HasPermission() bool {
	if !g.platform.RuntimePermissions() {
		return true
	}
	return g.platform.Granted()
}

// State returns the last known outcome.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending reports whether an OS prompt is outstanding.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil
}

// Prompt launches the OS dialog without waiting for the outcome. It is a
// no-op when permission is held or a prompt is already outstanding.
func (g *Gate) Prompt() error {
	_, err := g.begin()
	if errors.Is(err, ErrRequestPending) || errors.Is(err, errAlreadyGranted) {
		return nil
	}
	return err
}

// Request launches the OS dialog and waits for its outcome. A second
// Request while one is outstanding fails with ErrRequestPending. Canceling
// ctx stops waiting but leaves the OS prompt outstanding.
func (g *Gate) Request(ctx context.Context) (bool, error) {
	slot, err := g.begin()
	if errors.Is(err, errAlreadyGranted) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	select {
	case granted := <-slot:
		return granted, nil
	case <-g.done:
		return false, ErrGateClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

var errAlreadyGranted = errors.New("already granted")

func (g *Gate) begin() (chan bool, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGateClosed
	}
	if g.HasPermission() {
		g.state = StateGranted
		g.mu.Unlock()
		return nil, errAlreadyGranted
	}
	if g.pending != nil {
		g.mu.Unlock()
		return nil, ErrRequestPending
	}
	slot := make(chan bool, 1)
	g.pending = slot
	g.mu.Unlock()

	g.logger.Info("requesting camera permission")
	if err := g.platform.Prompt(); err != nil {
		g.mu.Lock()
		if g.pending == slot {
			g.pending = nil
		}
		g.mu.Unlock()
		return nil, fmt.Errorf("show permission prompt: %w", err)
	}
	return slot, nil
}

// Resolve delivers the OS outcome for the outstanding prompt. Outcomes that
// arrive after Close are ignored.
func (g *Gate) Resolve(granted bool) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Debug("ignoring permission outcome after close", "granted", granted)
		return
	}
	switch {
	case granted:
		g.state = StateGranted
	case g.state != StateGranted:
		g.state = StateDenied
	}
	state := g.state
	slot := g.pending
	g.pending = nil
	g.mu.Unlock()

	if slot != nil {
		slot <- granted
	}
	g.logger.Info("camera permission resolved", "granted", granted, "state", state)
	if g.bus != nil {
		severity := events.SeverityInfo
		if !granted {
			severity = events.SeverityWarn
		}
		g.bus.Publish(events.Event{
			Type:     events.EventTypePermissionOutcome,
			ViewID:   g.viewID,
			Payload:  Outcome{Granted: granted, State: state},
			Severity: severity,
		})
	}
}

// Close abandons any outstanding prompt. Waiting requests return ErrGateClosed.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.pending = nil
	close(g.done)
}
