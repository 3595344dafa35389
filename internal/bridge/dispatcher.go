// Package bridge routes host commands to the per-view scanner components and
// maps every outcome onto the wire response shape.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/scanner"
	"github.com/touchcapture/qrbridge/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Host command names.
const (
	MethodStartScan                = "startScan"
	MethodStopScan                 = "stopScan"
	MethodPauseCamera              = "pauseCamera"
	MethodResumeCamera             = "resumeCamera"
	MethodStopCamera               = "stopCamera"
	MethodFlipCamera               = "flipCamera"
	MethodToggleFlash              = "toggleFlash"
	MethodGetCameraInfo            = "getCameraInfo"
	MethodGetFlashInfo             = "getFlashInfo"
	MethodGetSystemFeatures        = "getSystemFeatures"
	MethodRequestPermissions       = "requestPermissions"
	MethodSetAllowedBarcodeFormats = "setAllowedBarcodeFormats"
)

const defaultPermissionTimeout = 60 * time.Second

// AwaitsHost reports whether answering request depends on a later host
// message, such as the permission outcome for requestPermissions. Transports
// must keep reading while such a request is pending.
func AwaitsHost(request protocol.Request) bool {
	return request.Method == MethodRequestPermissions
}

// SystemFeatures is the getSystemFeatures result.
type SystemFeatures struct {
	HasFrontCamera bool `json:"hasFrontCamera"`
	HasBackCamera  bool `json:"hasBackCamera"`
	HasFlash       bool `json:"hasFlash"`
	ActiveCamera   int  `json:"activeCamera"`
}

// PermissionRequester launches the OS prompt and waits for its outcome.
type PermissionRequester interface {
	Request(ctx context.Context) (bool, error)
}

type command func(ctx context.Context, request protocol.Request) (any, error)

// Dispatcher maps host commands onto one view's session and permission gate.
type Dispatcher struct {
	viewID            string
	session           *scanner.Session
	permission        PermissionRequester
	permissionTimeout time.Duration
	logger            *log.Logger
	metrics           *telemetry.Metrics
	tracer            trace.Tracer
	commands          map[string]command
}

// DispatcherOption configures Dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithDispatchLogger configures the dispatcher logger.
func WithDispatchLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatchMetrics records command counts and latency.
func WithDispatchMetrics(metrics *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithDispatchTracer configures the tracer for command spans.
func WithDispatchTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithPermissionTimeout bounds how long requestPermissions waits for the OS.
func WithPermissionTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.permissionTimeout = timeout
		}
	}
}

// NewDispatcher constructs a dispatcher for session.
func NewDispatcher(session *scanner.Session, permission PermissionRequester, options ...DispatcherOption) (*Dispatcher, error) {
	if session == nil {
		return nil, errors.New("session is required")
	}
	if permission == nil {
		return nil, errors.New("permission requester is required")
	}
	d := &Dispatcher{
		viewID:            session.ViewID(),
		session:           session,
		permission:        permission,
		permissionTimeout: defaultPermissionTimeout,
		logger:            log.New(io.Discard),
		tracer:            otel.Tracer("qrbridge/bridge"),
	}
	for _, option := range options {
		if option != nil {
			option(d)
		}
	}
	d.commands = map[string]command{
		MethodStartScan:                d.startScan,
		MethodStopScan:                 d.stopScan,
		MethodPauseCamera:              d.pauseCamera,
		MethodStopCamera:               d.pauseCamera,
		MethodResumeCamera:             d.resumeCamera,
		MethodFlipCamera:               d.flipCamera,
		MethodToggleFlash:              d.toggleFlash,
		MethodGetCameraInfo:            d.getCameraInfo,
		MethodGetFlashInfo:             d.getFlashInfo,
		MethodGetSystemFeatures:        d.getSystemFeatures,
		MethodRequestPermissions:       d.requestPermissions,
		MethodSetAllowedBarcodeFormats: d.setAllowedBarcodeFormats,
	}
	return d, nil
}

// Handle runs one command and always returns a response. Internal faults,
// including panics, become error responses.
func (d *Dispatcher) Handle(ctx context.Context, request protocol.Request) (response protocol.Response) {
	started := time.Now()
	ctx, span := d.tracer.Start(ctx, "bridge.dispatch", trace.WithAttributes(
		attribute.String("view_id", d.viewID),
		attribute.String("method", request.Method),
	))
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("command panicked", "method", request.Method, "panic", recovered, "stack", string(debug.Stack()))
			response = protocol.Failure(request.ID, protocol.CodeUnknown, fmt.Sprintf("internal error: %v", recovered))
		}
		code := ""
		if response.Error != nil {
			code = response.Error.Code
			span.SetStatus(codes.Error, response.Error.Message)
		}
		span.SetAttributes(attribute.String("code", code))
		span.End()
		d.metrics.ObserveCommand(request.Method, code, time.Since(started))
	}()

	run, ok := d.commands[request.Method]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownMethod, request.Method)
		return protocol.Failure(request.ID, Code(err), err.Error())
	}

	result, err := run(ctx, request)
	if err != nil {
		d.logger.Warn("command failed", "method", request.Method, "error", err)
		span.RecordError(err)
		return protocol.Failure(request.ID, Code(err), err.Error())
	}
	d.logger.Info("command handled", "method", request.Method)
	response, err = protocol.Success(request.ID, result)
	if err != nil {
		return protocol.Failure(request.ID, protocol.CodeUnknown, err.Error())
	}
	return response
}

// startScan takes an optional ordinal list. Absent args keep the current
// filter; a list replaces it once the session is running.
func (d *Dispatcher) startScan(ctx context.Context, request protocol.Request) (any, error) {
	if !request.HasArgs() {
		return nil, d.session.Start(ctx)
	}
	allowed, err := decodeOrdinals(request)
	if err != nil {
		return nil, err
	}
	return nil, d.session.StartWithFormats(ctx, allowed)
}

func (d *Dispatcher) stopScan(ctx context.Context, _ protocol.Request) (any, error) {
	return nil, d.session.Pause(ctx)
}

func (d *Dispatcher) pauseCamera(ctx context.Context, _ protocol.Request) (any, error) {
	if err := d.session.Pause(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) resumeCamera(ctx context.Context, _ protocol.Request) (any, error) {
	if err := d.session.Resume(ctx); err != nil {
		return nil, err
	}
	return true, nil
}

func (d *Dispatcher) flipCamera(ctx context.Context, _ protocol.Request) (any, error) {
	facing, err := d.session.Flip(ctx)
	if err != nil {
		return nil, err
	}
	return int(facing), nil
}

func (d *Dispatcher) toggleFlash(ctx context.Context, _ protocol.Request) (any, error) {
	return d.session.ToggleTorch(ctx)
}

func (d *Dispatcher) getCameraInfo(_ context.Context, _ protocol.Request) (any, error) {
	return int(d.session.Snapshot().Facing), nil
}

func (d *Dispatcher) getFlashInfo(_ context.Context, _ protocol.Request) (any, error) {
	return d.session.Snapshot().TorchOn, nil
}

func (d *Dispatcher) getSystemFeatures(_ context.Context, _ protocol.Request) (any, error) {
	caps := d.session.Capabilities()
	return SystemFeatures{
		HasFrontCamera: caps.HasFrontCamera,
		HasBackCamera:  caps.HasBackCamera,
		HasFlash:       caps.HasFlash,
		ActiveCamera:   int(d.session.Snapshot().Facing),
	}, nil
}

func (d *Dispatcher) requestPermissions(ctx context.Context, _ protocol.Request) (any, error) {
	waitCtx, cancel := context.WithTimeout(ctx, d.permissionTimeout)
	defer cancel()

	granted, err := d.permission.Request(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: no outcome after %s", scanner.ErrPermissionDenied, d.permissionTimeout)
	}
	if err != nil {
		return nil, err
	}
	return granted, nil
}

func (d *Dispatcher) setAllowedBarcodeFormats(_ context.Context, request protocol.Request) (any, error) {
	if !request.HasArgs() {
		return nil, fmt.Errorf("%w: format list is required", scanner.ErrInvalidArgument)
	}
	allowed, err := decodeOrdinals(request)
	if err != nil {
		return nil, err
	}
	if err := d.session.SetAllowedFormats(allowed); err != nil {
		return nil, err
	}
	return true, nil
}

func decodeOrdinals(request protocol.Request) (barcode.FormatSet, error) {
	var ordinals []int
	if err := protocol.DecodeArgs(request, &ordinals); err != nil {
		return nil, fmt.Errorf("%w: %w", scanner.ErrInvalidArgument, err)
	}
	allowed, err := barcode.ParseOrdinals(ordinals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", scanner.ErrInvalidArgument, err)
	}
	return allowed, nil
}
