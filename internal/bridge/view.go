package bridge

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/lifecycle"
	"github.com/touchcapture/qrbridge/internal/locks"
	"github.com/touchcapture/qrbridge/internal/permission"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/resultpipe"
	"github.com/touchcapture/qrbridge/internal/scanner"
	"github.com/touchcapture/qrbridge/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
)

// Sink pushes outbound envelopes to the host.
type Sink interface {
	Send(envelope any) error
}

// DefaultOwner is the host lifecycle owner used when a view names none.
const DefaultOwner = "main"

// Environment holds the collaborators shared by every view of one bridge.
type Environment struct {
	// NewCamera returns the camera handle for a view.
	NewCamera func(viewID int) device.Camera
	// Permissions is the OS permission surface.
	Permissions permission.Platform
	// Lifecycle is the host application lifecycle source.
	Lifecycle lifecycle.HostLifecycle
	// Sink receives onRecognizeQR events.
	Sink Sink

	Leases            *locks.Manager
	Bus               events.Bus
	Metrics           *telemetry.Metrics
	Logger            *log.Logger
	Tracer            trace.Tracer
	PermissionTimeout time.Duration
}

func (e Environment) validate() error {
	switch {
	case e.NewCamera == nil:
		return errors.New("camera factory is required")
	case e.Permissions == nil:
		return errors.New("permission platform is required")
	case e.Lifecycle == nil:
		return errors.New("host lifecycle is required")
	case e.Sink == nil:
		return errors.New("event sink is required")
	}
	return nil
}

// ViewConfig is the construction-time configuration of one view.
type ViewConfig struct {
	ViewID         int
	Facing         device.Facing
	AllowedFormats barcode.FormatSet
	Owner          string
}

// View wires the permission gate, scanner session, result pipe, lifecycle
// coordinator and dispatcher for one embedded scanner view.
type View struct {
	id          int
	owner       string
	logger      *log.Logger
	camera      device.Camera
	gate        *permission.Gate
	session     *scanner.Session
	coordinator *lifecycle.Coordinator
	dispatcher  *Dispatcher
}

// NewView builds a view and prompts for camera permission without waiting.
// The session stays Uninitialized until the first attach or startScan.
func NewView(cfg ViewConfig, env Environment) (*View, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	owner := cfg.Owner
	if owner == "" {
		owner = DefaultOwner
	}
	sessionID := strconv.Itoa(cfg.ViewID)
	logger := env.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	logger = logger.With("channel", protocol.ChannelName(cfg.ViewID))

	gate, err := permission.NewGate(env.Permissions,
		permission.WithBus(env.Bus, sessionID),
		permission.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	viewID := cfg.ViewID
	emitter := resultpipe.EmitterFunc(func(_ context.Context, result barcode.Result) error {
		return env.Sink.Send(protocol.NewRecognizeEvent(viewID, result, time.Now()))
	})
	pipe, err := resultpipe.New(emitter,
		resultpipe.WithLogger(logger),
		resultpipe.WithMetrics(env.Metrics),
		resultpipe.WithBus(env.Bus, sessionID),
	)
	if err != nil {
		return nil, err
	}

	camera := env.NewCamera(cfg.ViewID)
	session, err := scanner.New(scanner.Config{
		ViewID:         sessionID,
		Facing:         cfg.Facing,
		AllowedFormats: cfg.AllowedFormats,
	}, camera, gate,
		scanner.WithLogger(logger),
		scanner.WithTracer(env.Tracer),
		scanner.WithMetrics(env.Metrics),
		scanner.WithBus(env.Bus),
		scanner.WithLeases(env.Leases),
		scanner.WithConsumer(pipe),
	)
	if err != nil {
		gate.Close()
		return nil, err
	}

	coordinator, err := lifecycle.New(env.Lifecycle, owner, session,
		lifecycle.WithLogger(logger),
		lifecycle.WithBus(env.Bus, sessionID),
	)
	if err != nil {
		gate.Close()
		return nil, err
	}

	dispatcher, err := NewDispatcher(session, gate,
		WithDispatchLogger(logger),
		WithDispatchMetrics(env.Metrics),
		WithDispatchTracer(env.Tracer),
		WithPermissionTimeout(env.PermissionTimeout),
	)
	if err != nil {
		coordinator.Close()
		gate.Close()
		return nil, err
	}

	if err := gate.Prompt(); err != nil {
		logger.Warn("prompt for camera permission", "error", err)
	}
	return &View{
		id:          cfg.ViewID,
		owner:       owner,
		logger:      logger,
		camera:      camera,
		gate:        gate,
		session:     session,
		coordinator: coordinator,
		dispatcher:  dispatcher,
	}, nil
}

// ID returns the view id.
func (v *View) ID() int {
	return v.id
}

// Owner returns the host lifecycle owner the view follows.
func (v *View) Owner() string {
	return v.owner
}

// Camera returns the view's camera handle.
func (v *View) Camera() device.Camera {
	return v.camera
}

// Session returns the view's scanner session.
func (v *View) Session() *scanner.Session {
	return v.session
}

// Gate returns the view's permission gate.
func (v *View) Gate() *permission.Gate {
	return v.gate
}

// Attach allocates the camera handle ahead of the first startScan.
func (v *View) Attach(ctx context.Context) error {
	return v.session.Attach(ctx)
}

// Handle dispatches one host command.
func (v *View) Handle(ctx context.Context, request protocol.Request) protocol.Response {
	return v.dispatcher.Handle(ctx, request)
}

// Dispose tears the view down: lifecycle first so no late resume races the
// dispose, then the permission slot, then the session.
func (v *View) Dispose(ctx context.Context) error {
	v.coordinator.Close()
	v.gate.Close()
	return v.session.Dispose(ctx)
}
