// Package lifecycle pauses and resumes a scanner session as the host
// application moves between background and foreground.
package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/events"
)

const (
	// SignalBackground is reported when the host context leaves the foreground.
	SignalBackground = "background"
	// SignalForeground is reported when the host context returns.
	SignalForeground = "foreground"

	defaultCallTimeout = 5 * time.Second
)

// Observer receives host foreground/background transitions. owner names the
// host context that changed.
type Observer interface {
	OnBackground(owner string)
	OnForeground(owner string)
}

// Subscription is the handle returned by HostLifecycle.Register.
type Subscription interface {
	Unregister()
}

// HostLifecycle is the host application's process-wide lifecycle source.
type HostLifecycle interface {
	Register(observer Observer) Subscription
}

// Session is the part of the scanner session the coordinator drives.
type Session interface {
	PauseIfRunning(ctx context.Context, reason string) (bool, uint64, error)
	ResumeIfUnchanged(ctx context.Context, epoch uint64, reason string) (bool, error)
}

// Transition is published on the bus when the coordinator acts.
type Transition struct {
	Signal string `json:"signal"`
	Owner  string `json:"owner"`
	Acted  bool   `json:"acted"`
}

// Option configures Coordinator construction.
type Option func(*Coordinator)

// WithLogger configures the coordinator logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBus publishes lifecycle actions.
func WithBus(bus events.Bus, viewID string) Option {
	return func(c *Coordinator) {
		c.bus = bus
		c.viewID = viewID
	}
}

// WithCallTimeout bounds each pause or resume issued by the coordinator.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Coordinator pauses its session when the owning host context goes to the
// background and resumes it on return, but only when the pause was its own.
type Coordinator struct {
	owner   string
	session Session
	logger  *log.Logger
	bus     events.Bus
	viewID  string
	timeout time.Duration

	mu          sync.Mutex
	sub         Subscription
	ownPause    bool
	pausedEpoch uint64
	closed      bool
}

// New registers a coordinator for owner with host.
func New(host HostLifecycle, owner string, session Session, options ...Option) (*Coordinator, error) {
	if host == nil {
		return nil, errors.New("host lifecycle is required")
	}
	if session == nil {
		return nil, errors.New("session is required")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("owner must not be empty")
	}

	coordinator := &Coordinator{
		owner:   owner,
		session: session,
		logger:  log.New(io.Discard),
		timeout: defaultCallTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	coordinator.sub = host.Register(coordinator)
	return coordinator, nil
}

// OnBackground implements Observer.
func (c *Coordinator) OnBackground(owner string) {
	if !c.owns(owner) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	paused, epoch, err := c.session.PauseIfRunning(ctx, "host entered background")
	if err != nil {
		c.logger.Warn("pause on background", "owner", owner, "error", err)
	}
	if paused {
		c.ownPause = true
		c.pausedEpoch = epoch
	}
	c.publish(SignalBackground, paused)
}

// OnForeground implements Observer.
func (c *Coordinator) OnForeground(owner string) {
	if !c.owns(owner) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.ownPause {
		c.publish(SignalForeground, false)
		return
	}
	c.ownPause = false

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resumed, err := c.session.ResumeIfUnchanged(ctx, c.pausedEpoch, "host returned to foreground")
	if err != nil {
		c.logger.Warn("resume on foreground", "owner", owner, "error", err)
	}
	c.publish(SignalForeground, resumed)
}

// Close unregisters from the host. Later signals are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.ownPause = false
	if c.sub != nil {
		c.sub.Unregister()
	}
}

func (c *Coordinator) owns(owner string) bool {
	return strings.TrimSpace(owner) == c.owner
}

func (c *Coordinator) publish(signal string, acted bool) {
	c.logger.Info("host lifecycle signal", "signal", signal, "owner", c.owner, "acted", acted)
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:    events.EventTypeLifecycle,
		ViewID:  c.viewID,
		Payload: Transition{Signal: signal, Owner: c.owner, Acted: acted},
	})
}
