// Package resultpipe turns the raw decode stream of a running scanner session
// into filtered results delivered to the host.
package resultpipe

import (
	"context"
	"errors"
	"io"

	"github.com/charmbracelet/log"
	"github.com/touchcapture/qrbridge/internal/barcode"
	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/telemetry"
)

// Emitter pushes one decoded result across the host channel.
type Emitter interface {
	Emit(ctx context.Context, result barcode.Result) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, result barcode.Result) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ctx context.Context, result barcode.Result) error {
	return f(ctx, result)
}

// Gate is the session's serialization point. Admit runs deliver while the
// session lock is held and only when generation is still the live decode
// subscription. It reports false once the subscription is stale.
type Gate interface {
	Admit(generation uint64, deliver func(allowed barcode.FormatSet)) bool
}

// Outcome classifies what happened to one raw detection.
type Outcome string

const (
	OutcomeForwarded Outcome = telemetry.DecodeForwarded
	OutcomeFiltered  Outcome = telemetry.DecodeFiltered
	OutcomeMalformed Outcome = telemetry.DecodeMalformed
)

// Filter maps detection and applies the allowed-format set. An empty set
// allows every format.
func Filter(detection barcode.Detection, allowed barcode.FormatSet) (barcode.Result, Outcome, error) {
	result, err := barcode.FromDetection(detection)
	if err != nil {
		return barcode.Result{}, OutcomeMalformed, err
	}
	if !allowed.Allows(result.Format) {
		return barcode.Result{}, OutcomeFiltered, nil
	}
	return result, OutcomeForwarded, nil
}

// Option configures Pipe construction.
type Option func(*Pipe)

// WithLogger configures the pipe logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Pipe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records decode outcomes.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(p *Pipe) {
		p.metrics = metrics
	}
}

// WithBus publishes a Recognized event for every forwarded result.
func WithBus(bus events.Bus, viewID string) Option {
	return func(p *Pipe) {
		p.bus = bus
		p.viewID = viewID
	}
}

// Pipe consumes decode streams handed over by a scanner session.
type Pipe struct {
	emitter Emitter
	logger  *log.Logger
	metrics *telemetry.Metrics
	bus     events.Bus
	viewID  string
}

// New constructs a pipe forwarding to emitter.
func New(emitter Emitter, options ...Option) (*Pipe, error) {
	if emitter == nil {
		return nil, errors.New("emitter is required")
	}
	pipe := &Pipe{
		emitter: emitter,
		logger:  log.New(io.Discard),
	}
	for _, option := range options {
		if option != nil {
			option(pipe)
		}
	}
	return pipe, nil
}

// Consume drains stream until it closes, ctx is canceled, or gate reports the
// subscription stale. Detections are handled one at a time in arrival order.
func (p *Pipe) Consume(ctx context.Context, generation uint64, stream <-chan barcode.Detection, gate Gate) {
	for {
		select {
		case <-ctx.Done():
			return
		case detection, ok := <-stream:
			if !ok {
				return
			}
			admitted := gate.Admit(generation, func(allowed barcode.FormatSet) {
				p.handle(ctx, detection, allowed)
			})
			if !admitted {
				p.logger.Debug("decode subscription is stale", "generation", generation)
				return
			}
		}
	}
}

func (p *Pipe) handle(ctx context.Context, detection barcode.Detection, allowed barcode.FormatSet) {
	result, outcome, err := Filter(detection, allowed)
	switch outcome {
	case OutcomeMalformed:
		p.metrics.ObserveDecode(telemetry.DecodeMalformed)
		p.logger.Warn("dropping malformed detection", "format", detection.Format, "error", err)
		return
	case OutcomeFiltered:
		p.metrics.ObserveDecode(telemetry.DecodeFiltered)
		p.logger.Debug("detection filtered", "format", detection.Format)
		return
	}

	if err := p.emitter.Emit(ctx, result); err != nil {
		p.metrics.ObserveDecode(telemetry.DecodeFailed)
		p.logger.Warn("emit recognized result", "format", result.Format, "error", err)
		return
	}
	p.metrics.ObserveDecode(telemetry.DecodeForwarded)
	p.logger.Debug("recognized result delivered", "format", result.Format)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:    events.EventTypeRecognized,
			ViewID:  p.viewID,
			Payload: result,
		})
	}
}
