package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/touchcapture/qrbridge/internal/telemetry/invariants"
)

// Decode outcomes recorded by the result pipe.
const (
	DecodeForwarded = "forwarded"
	DecodeFiltered  = "filtered"
	DecodeMalformed = "malformed"
	DecodeFailed    = "emit_failed"
)

// Metrics holds the Prometheus collectors for the bridge.
type Metrics struct {
	Commands          *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	DecodeEvents      *prometheus.CounterVec
	StateTransitions  *prometheus.CounterVec
	HardwareFaults    *prometheus.CounterVec
	PermissionResults *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
}

// NewMetrics registers the bridge collectors on registry. A nil registry uses
// the default Prometheus registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrbridge_commands_total",
				Help: "Host commands dispatched, by method and response code",
			},
			[]string{"method", "code"},
		),
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qrbridge_command_duration_seconds",
				Help:    "Time taken to dispatch one host command",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method"},
		),
		DecodeEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrbridge_decode_events_total",
				Help: "Raw decode events seen by the result pipe, by outcome",
			},
			[]string{"outcome"},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrbridge_state_transitions_total",
				Help: "Committed scanner session state transitions",
			},
			[]string{"from_state", "to_state"},
		),
		HardwareFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrbridge_hardware_faults_total",
				Help: "Camera hardware operations that failed",
			},
			[]string{"operation"},
		),
		PermissionResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrbridge_permission_results_total",
				Help: "Resolved camera permission prompts",
			},
			[]string{"granted"},
		),
		Violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qrbridge_invariant_violations_total",
				Help: "Runtime guarantees reported broken",
			},
			[]string{"invariant", "severity"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "qrbridge_active_sessions",
				Help: "Scanner sessions currently holding a camera handle",
			},
		),
	}
}

// ObserveCommand records one dispatched command.
func (m *Metrics) ObserveCommand(method, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.Commands.WithLabelValues(method, code).Inc()
	m.CommandDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveDecode records one raw decode event outcome.
func (m *Metrics) ObserveDecode(outcome string) {
	if m == nil {
		return
	}
	m.DecodeEvents.WithLabelValues(outcome).Inc()
}

// ObserveTransition records a committed state transition.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// ObserveHardwareFault records a failed hardware operation.
func (m *Metrics) ObserveHardwareFault(operation string) {
	if m == nil {
		return
	}
	m.HardwareFaults.WithLabelValues(operation).Inc()
}

// ObservePermission records a resolved permission prompt.
func (m *Metrics) ObservePermission(granted bool) {
	if m == nil {
		return
	}
	label := "false"
	if granted {
		label = "true"
	}
	m.PermissionResults.WithLabelValues(label).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// CountViolations counts reported invariant violations until stop is called.
func (m *Metrics) CountViolations() (stop func()) {
	if m == nil {
		return func() {}
	}
	return invariants.Observe(func(v invariants.Violation) {
		m.Violations.WithLabelValues(string(v.Name), string(v.Severity)).Inc()
	})
}
