// Package scanner owns the camera handle of one view and serializes every
// operation against it.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/locks"
	"github.com/touchcapture/qrbridge/internal/resultpipe"
	"github.com/touchcapture/qrbridge/internal/state"
	"github.com/touchcapture/qrbridge/internal/telemetry"
	"github.com/touchcapture/qrbridge/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PermissionChecker answers whether the camera may be used right now.
type PermissionChecker interface {
	HasPermission() bool
}

// Consumer drains the decode stream of one subscription.
type Consumer interface {
	Consume(ctx context.Context, generation uint64, stream <-chan barcode.Detection, gate resultpipe.Gate)
}

// Config is the construction-time session configuration.
type Config struct {
	ViewID         string
	Facing         device.Facing
	AllowedFormats barcode.FormatSet
}

// Snapshot is a consistent view of the session attributes.
type Snapshot struct {
	ViewID         string
	State          state.State
	Facing         device.Facing
	TorchOn        bool
	AllowedFormats []barcode.Format
	Epoch          uint64
}

// Running reports whether the snapshot was taken while scanning.
func (s Snapshot) Running() bool {
	return s.State == state.Running
}

// Option configures Session construction.
type Option func(*Session)

// WithLogger configures the session logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer configures the tracer for operation spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithMetrics records transitions and hardware faults.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Session) {
		s.metrics = metrics
	}
}

// WithBus publishes state transitions and hardware alerts.
func WithBus(bus events.Bus) Option {
	return func(s *Session) {
		s.bus = bus
	}
}

// WithLeases makes the session hold the process-wide camera lease while it
// owns a handle.
func WithLeases(leases *locks.Manager) Option {
	return func(s *Session) {
		s.leases = leases
	}
}

// WithConsumer sets the decode stream consumer.
func WithConsumer(consumer Consumer) Option {
	return func(s *Session) {
		if consumer != nil {
			s.consumer = consumer
		}
	}
}

// Session is the single owner of one camera handle. Every exported method
// takes the session lock for its whole duration, so hardware calls never
// interleave. Decode deliveries pass through Admit under the same lock.
type Session struct {
	viewID     string
	camera     device.Camera
	permission PermissionChecker
	consumer   Consumer
	leases     *locks.Manager
	machine    *state.Machine
	logger     *log.Logger
	tracer     trace.Tracer
	metrics    *telemetry.Metrics
	bus        events.Bus

	mu         sync.Mutex
	facing     device.Facing
	torchOn    bool
	allowed    barcode.FormatSet
	handleOpen bool
	epoch      uint64
	generation uint64
	cancelPump context.CancelFunc
	pumpDone   chan struct{}
}

// New constructs an Uninitialized session. No hardware is touched until
// Attach or Start.
func New(cfg Config, camera device.Camera, permission PermissionChecker, options ...Option) (*Session, error) {
	viewID := strings.TrimSpace(cfg.ViewID)
	if viewID == "" {
		return nil, errors.New("view id must not be empty")
	}
	if camera == nil {
		return nil, errors.New("camera is required")
	}
	if permission == nil {
		return nil, errors.New("permission checker is required")
	}
	if cfg.Facing != device.FacingBack && cfg.Facing != device.FacingFront {
		return nil, fmt.Errorf("%w: %d", device.ErrUnknownFacing, cfg.Facing)
	}

	session := &Session{
		viewID:     viewID,
		camera:     camera,
		permission: permission,
		consumer:   drain{},
		logger:     log.New(io.Discard),
		tracer:     otel.Tracer("qrbridge/scanner"),
		facing:     cfg.Facing,
		allowed:    cfg.AllowedFormats.Clone(),
	}
	for _, option := range options {
		if option != nil {
			option(session)
		}
	}
	session.logger = session.logger.With("view_id", viewID)

	machine, err := state.NewMachine(viewID,
		state.WithTracer(session.tracer),
		state.WithObserver(session.observeTransition),
	)
	if err != nil {
		return nil, err
	}
	session.machine = machine
	return session, nil
}

// ViewID returns the owning view identifier.
func (s *Session) ViewID() string {
	return s.viewID
}

// Capabilities reports hardware features. It never touches the handle.
func (s *Session) Capabilities() device.Capabilities {
	return s.camera.Capabilities()
}

// Snapshot returns the current attributes.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Attach allocates the camera handle bound to the configured facing.
// Attaching an attached session is a no-op.
func (s *Session) Attach(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "scanner.attach")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachLocked(ctx)
}

// Start begins scanning, attaching first when needed. Starting a running
// session is a no-op.
func (s *Session) Start(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "scanner.start")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.startLocked(ctx)
}

// StartWithFormats starts like Start and then replaces the allowed formats.
// The filter is left unchanged when the start fails.
func (s *Session) StartWithFormats(ctx context.Context, formats barcode.FormatSet) (err error) {
	ctx, span := s.startSpan(ctx, "scanner.start")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startLocked(ctx); err != nil {
		return err
	}
	s.allowed = formats.Clone()
	s.logger.Info("allowed formats updated", "formats", s.allowed.Sorted())
	return nil
}

func (s *Session) startLocked(ctx context.Context) error {
	if s.machine.Current() == state.Uninitialized {
		if err := s.attachLocked(ctx); err != nil {
			return err
		}
	}
	return s.runLocked(ctx, "start")
}

// Resume restarts scanning on an attached session. Resuming a running
// session is a no-op.
func (s *Session) Resume(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "scanner.resume")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runLocked(ctx, "resume")
}

// Pause releases the decode subscription and freezes capture but keeps the
// handle for a fast resume. Pausing a session that is not running is a no-op,
// except that pausing an already paused session advances the epoch so a
// lifecycle pause it overlaps is no longer resumed by ResumeIfUnchanged.
// A hardware failure while pausing is reported, but the session still ends up
// Paused with no live subscription.
func (s *Session) Pause(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "scanner.pause")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Current() == state.Paused {
		s.epoch++
		s.logger.Debug("pause claimed by host", "epoch", s.epoch)
		return nil
	}
	return s.pauseLocked(ctx, "pause")
}

// PauseIfRunning pauses a running session and returns the epoch after the
// pause. It reports false, leaving the session untouched, when not running.
func (s *Session) PauseIfRunning(ctx context.Context, reason string) (bool, uint64, error) {
	ctx, span := s.startSpan(ctx, "scanner.pause_if_running")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Current() != state.Running {
		return false, s.epoch, nil
	}
	err := s.pauseLocked(ctx, reason)
	if err != nil {
		span.RecordError(err)
	}
	return true, s.epoch, err
}

// ResumeIfUnchanged resumes a paused session only when no activity change
// happened since epoch was observed.
func (s *Session) ResumeIfUnchanged(ctx context.Context, epoch uint64, reason string) (bool, error) {
	ctx, span := s.startSpan(ctx, "scanner.resume_if_unchanged")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine.Current() != state.Paused || s.epoch != epoch {
		return false, nil
	}
	if err := s.runLocked(ctx, reason); err != nil {
		span.RecordError(err)
		return false, err
	}
	return true, nil
}

// Flip toggles between front and back cameras and restores the prior
// activity state. A failed flip reopens the previous facing and leaves it
// unchanged. The reopened handle starts with the torch off.
func (s *Session) Flip(ctx context.Context) (facing device.Facing, err error) {
	ctx, span := s.startSpan(ctx, "scanner.flip")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.machine.Current()
	switch current {
	case state.Disposed:
		return s.facing, ErrDisposed
	case state.Uninitialized:
		return s.facing, ErrNoActiveSession
	}

	before := s.facing
	target := before.Opposite()
	if !s.camera.Capabilities().Has(target) {
		return before, fmt.Errorf("%w: no %s camera", ErrUnsupportedFeature, target)
	}
	if !s.permission.HasPermission() {
		return before, ErrPermissionDenied
	}

	wasRunning := current == state.Running
	if wasRunning {
		s.stopSubscriptionLocked()
		if err := s.camera.Pause(ctx); err != nil {
			s.logger.Warn("pause before flip", "error", err)
		}
	}

	if openErr := s.camera.Open(ctx, target); openErr != nil {
		s.hardwareFault(ctx, "flip", openErr)
		restoreErr := s.camera.Open(ctx, before)
		s.handleOpen = restoreErr == nil
		if restoreErr != nil {
			s.logger.Error("restore camera after failed flip", "facing", before, "error", restoreErr)
		}
		s.torchOn = false
		if wasRunning {
			if err := s.restartAfterFlipLocked(ctx); err != nil {
				s.logger.Error("restart capture after failed flip", "facing", s.facing, "error", err)
			}
		}
		invariants.CheckFlipPreservesFacing(ctx, "scanner.flip", before.String(), s.facing.String())
		return s.facing, fmt.Errorf("%w: open %s camera: %w", ErrHardwareFault, target, openErr)
	}

	s.facing = target
	s.handleOpen = true
	s.torchOn = false
	s.logger.Info("camera flipped", "from", before, "to", target)
	if wasRunning {
		if err := s.restartAfterFlipLocked(ctx); err != nil {
			return s.facing, err
		}
	}
	return s.facing, nil
}

// SetTorch records the desired torch state. The hardware torch follows it
// only while Running; otherwise it is applied on the next start or resume.
func (s *Session) SetTorch(ctx context.Context, on bool) (torch bool, err error) {
	ctx, span := s.startSpan(ctx, "scanner.set_torch")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTorchLocked(ctx, on)
}

// ToggleTorch inverts the torch state.
func (s *Session) ToggleTorch(ctx context.Context) (torch bool, err error) {
	ctx, span := s.startSpan(ctx, "scanner.toggle_torch")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTorchLocked(ctx, !s.torchOn)
}

// SetAllowedFormats replaces the format filter. The empty set allows all.
func (s *Session) SetAllowedFormats(formats barcode.FormatSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.machine.Current() == state.Disposed {
		return ErrDisposed
	}
	s.allowed = formats.Clone()
	s.logger.Info("allowed formats updated", "formats", s.allowed.Sorted())
	return nil
}

// Dispose releases the handle unconditionally. Once it returns, no further
// result reaches the consumer's emitter. Disposing twice is a no-op.
func (s *Session) Dispose(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "scanner.dispose")
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	current := s.machine.Current()
	if current == state.Disposed {
		s.mu.Unlock()
		return nil
	}

	s.stopSubscriptionLocked()
	pumpDone := s.pumpDone
	s.pumpDone = nil

	var closeErr error
	if current.HoldsHandle() {
		closeErr = s.camera.Close()
		s.handleOpen = false
		s.releaseLeaseLocked(ctx)
		s.metrics.SessionClosed()
	}
	s.torchOn = false
	if err := s.transitionLocked(ctx, state.Disposed, "dispose"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if pumpDone != nil {
		select {
		case <-pumpDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if closeErr != nil {
		s.logger.Warn("close camera on dispose", "error", closeErr)
	}
	return nil
}

// Admit implements resultpipe.Gate.
func (s *Session) Admit(generation uint64, deliver func(allowed barcode.FormatSet)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.machine.Current()
	if generation != s.generation || current != state.Running {
		return false
	}
	invariants.CheckDeliveryWhileRunning(context.Background(), "scanner.admit", s.viewID, string(current))
	deliver(s.allowed)
	return true
}

func (s *Session) attachLocked(ctx context.Context) error {
	switch s.machine.Current() {
	case state.Disposed:
		return ErrDisposed
	case state.Uninitialized:
	default:
		return nil
	}
	if !s.permission.HasPermission() {
		return ErrPermissionDenied
	}
	if s.leases != nil {
		if err := s.leases.Acquire(ctx, locks.ResourceCamera, s.viewID); err != nil {
			return fmt.Errorf("%w: %w", ErrHardwareFault, err)
		}
	}
	if err := s.camera.Open(ctx, s.facing); err != nil {
		s.releaseLeaseLocked(ctx)
		s.hardwareFault(ctx, "open", err)
		return fmt.Errorf("%w: open %s camera: %w", ErrHardwareFault, s.facing, err)
	}
	s.handleOpen = true
	s.metrics.SessionOpened()
	return s.transitionLocked(ctx, state.Idle, "attach")
}

func (s *Session) runLocked(ctx context.Context, reason string) error {
	switch s.machine.Current() {
	case state.Disposed:
		return ErrDisposed
	case state.Uninitialized:
		return ErrNoActiveSession
	case state.Running:
		return nil
	}
	if !s.permission.HasPermission() {
		return ErrPermissionDenied
	}
	if err := s.captureLocked(ctx); err != nil {
		return err
	}
	return s.transitionLocked(ctx, state.Running, reason)
}

// captureLocked brings the handle into capture with a fresh decode
// subscription. On failure the handle is left paused.
func (s *Session) captureLocked(ctx context.Context) error {
	if !s.handleOpen {
		if err := s.camera.Open(ctx, s.facing); err != nil {
			s.hardwareFault(ctx, "open", err)
			return fmt.Errorf("%w: open %s camera: %w", ErrHardwareFault, s.facing, err)
		}
		s.handleOpen = true
	}
	if err := s.camera.Resume(ctx); err != nil {
		s.hardwareFault(ctx, "resume", err)
		return fmt.Errorf("%w: resume capture: %w", ErrHardwareFault, err)
	}
	if err := s.subscribeLocked(ctx); err != nil {
		if pauseErr := s.camera.Pause(ctx); pauseErr != nil {
			s.logger.Warn("pause after failed subscribe", "error", pauseErr)
		}
		s.hardwareFault(ctx, "decode", err)
		return fmt.Errorf("%w: start decoding: %w", ErrHardwareFault, err)
	}
	if s.torchOn && s.camera.Capabilities().HasFlash {
		if err := s.camera.SetTorch(ctx, true); err != nil {
			s.logger.Warn("relight torch", "error", err)
		}
	}
	return nil
}

func (s *Session) subscribeLocked(ctx context.Context) error {
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := s.camera.Decode(pumpCtx)
	if err != nil {
		cancel()
		return err
	}

	s.generation++
	generation := s.generation
	done := make(chan struct{})
	s.cancelPump = cancel
	s.pumpDone = done
	go func() {
		defer close(done)
		s.consumer.Consume(pumpCtx, generation, stream, s)
	}()
	return nil
}

// stopSubscriptionLocked invalidates the live subscription. The pump exits on
// its own; it cannot deliver once the generation moves on.
func (s *Session) stopSubscriptionLocked() {
	s.generation++
	if s.cancelPump != nil {
		s.cancelPump()
		s.cancelPump = nil
	}
}

func (s *Session) pauseLocked(ctx context.Context, reason string) error {
	switch s.machine.Current() {
	case state.Disposed:
		return ErrDisposed
	case state.Uninitialized:
		return ErrNoActiveSession
	case state.Idle, state.Paused:
		return nil
	}

	s.stopSubscriptionLocked()
	var hwErr error
	if s.torchOn && s.camera.Capabilities().HasFlash {
		if err := s.camera.SetTorch(ctx, false); err != nil {
			s.logger.Warn("darken torch on pause", "error", err)
		}
	}
	if err := s.camera.Pause(ctx); err != nil {
		s.hardwareFault(ctx, "pause", err)
		hwErr = fmt.Errorf("%w: pause capture: %w", ErrHardwareFault, err)
	}
	if err := s.transitionLocked(ctx, state.Paused, reason); err != nil {
		return err
	}
	return hwErr
}

func (s *Session) restartAfterFlipLocked(ctx context.Context) error {
	if err := s.captureLocked(ctx); err != nil {
		if transitionErr := s.transitionLocked(ctx, state.Paused, "flip restart failed"); transitionErr != nil {
			return transitionErr
		}
		return err
	}
	return nil
}

func (s *Session) setTorchLocked(ctx context.Context, on bool) (bool, error) {
	current := s.machine.Current()
	if current == state.Disposed {
		return false, ErrDisposed
	}
	if !s.camera.Capabilities().HasFlash {
		return s.torchOn, fmt.Errorf("%w: no flash unit", ErrUnsupportedFeature)
	}
	if current == state.Running {
		if !s.permission.HasPermission() {
			return s.torchOn, ErrPermissionDenied
		}
		if err := s.camera.SetTorch(ctx, on); err != nil {
			s.hardwareFault(ctx, "torch", err)
			return s.torchOn, fmt.Errorf("%w: set torch: %w", ErrHardwareFault, err)
		}
	}
	s.torchOn = on
	s.logger.Info("torch updated", "on", on, "applied", current == state.Running)
	return s.torchOn, nil
}

func (s *Session) transitionLocked(ctx context.Context, to state.State, reason string) error {
	if err := s.machine.Transition(ctx, to, reason); err != nil {
		return err
	}
	if to == state.Running || to == state.Paused {
		s.epoch++
	}
	return nil
}

func (s *Session) releaseLeaseLocked(ctx context.Context) {
	if s.leases == nil {
		return
	}
	if err := s.leases.Release(ctx, locks.ResourceCamera, s.viewID); err != nil {
		s.logger.Warn("release camera lease", "error", err)
	}
}

func (s *Session) hardwareFault(ctx context.Context, operation string, err error) {
	s.metrics.ObserveHardwareFault(operation)
	s.logger.Error("camera hardware fault", "operation", operation, "error", err)
	trace.SpanFromContext(ctx).AddEvent("hardware.fault", trace.WithAttributes(
		attribute.String("operation", operation),
	))
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:     events.EventTypeSystemAlert,
			ViewID:   s.viewID,
			Payload:  map[string]string{"operation": operation, "error": err.Error()},
			Severity: events.SeverityError,
		})
	}
}

func (s *Session) observeTransition(_ context.Context, record state.TransitionRecord) {
	s.metrics.ObserveTransition(string(record.FromState), string(record.ToState))
	s.logger.Info("scanner state changed", "from", record.FromState, "to", record.ToState, "reason", record.Reason)
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      events.EventTypeStateTransition,
			Timestamp: record.Timestamp,
			ViewID:    s.viewID,
			Payload:   record,
		})
	}
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ViewID:         s.viewID,
		State:          s.machine.Current(),
		Facing:         s.facing,
		TorchOn:        s.torchOn,
		AllowedFormats: s.allowed.Sorted(),
		Epoch:          s.epoch,
	}
}

func (s *Session) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("view_id", s.viewID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// drain discards detections when no consumer is configured.
type drain struct{}

func (drain) Consume(ctx context.Context, _ uint64, stream <-chan barcode.Detection, _ resultpipe.Gate) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-stream:
			if !ok {
				return
			}
		}
	}
}
