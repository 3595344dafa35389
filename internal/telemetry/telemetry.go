package telemetry

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is reported as service.name on every span.
	ServiceName = "qrbridge"
	// DefaultEndpoint is the local OTLP/HTTP collector.
	DefaultEndpoint = "http://localhost:4318"
	// ExportTimeout bounds one batch flush and the final shutdown flush.
	ExportTimeout = 5 * time.Second
	// MaxBatch is the span processor's export batch size.
	MaxBatch = 512
)

// ServiceVersion is set at build time via ldflags when available.
var ServiceVersion = "dev"

// exportFunc builds the OTLP exporter; tests swap it out.
var exportFunc = newOTLPExporter

// Settings selects where spans go and how many are kept.
type Settings struct {
	// Endpoint is the configured collector URL. OTEL_EXPORTER_OTLP_ENDPOINT
	// wins over it, and Override wins over both.
	Endpoint string
	Override string
	// SampleRatio keeps this fraction of root traces. Zero keeps all.
	SampleRatio float64
	// Attributes are extra resource attributes such as the protocol version.
	Attributes []attribute.KeyValue
	// Fallback receives a text rendering of spans when the OTLP exporter
	// cannot be built. Defaults to stderr.
	Fallback io.Writer
	Logger   *log.Logger
}

// Provider owns the process tracer provider installed by Init.
type Provider struct {
	endpoint string
	tracer   *sdktrace.TracerProvider
	once     sync.Once
}

// Endpoint is the collector URL spans are exported to, or "console" when
// Init fell back to text output.
func (p *Provider) Endpoint() string {
	return p.endpoint
}

// Shutdown flushes buffered spans. Later calls are no-ops.
func (p *Provider) Shutdown() {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), ExportTimeout)
		defer cancel()
		if err := p.tracer.Shutdown(ctx); err != nil {
			otel.Handle(err)
		}
	})
}

// Init installs a batching tracer provider as the global otel provider. An
// unreachable collector never fails startup; spans go to Settings.Fallback.
func Init(ctx context.Context, settings Settings) (*Provider, error) {
	logger := settings.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	provider := &Provider{endpoint: endpointFor(settings)}

	exporter, err := exportFunc(ctx, provider.endpoint)
	if err != nil {
		logger.Warn("OTLP exporter unavailable, writing spans as text", "endpoint", provider.endpoint, "error", err)
		exporter = &consoleExporter{out: cmp.Or[io.Writer](settings.Fallback, os.Stderr)}
		provider.endpoint = "console"
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithProcessRuntimeVersion(),
		resource.WithAttributes(append([]attribute.KeyValue{
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", cmp.Or(strings.TrimSpace(ServiceVersion), "dev")),
			attribute.String("deployment.environment", environment()),
		}, settings.Attributes...)...),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider.tracer = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(settings.SampleRatio)),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(ExportTimeout),
			sdktrace.WithMaxExportBatchSize(MaxBatch),
		),
	)
	otel.SetTracerProvider(provider.tracer)
	logger.Debug("telemetry ready", "endpoint", provider.endpoint, "sample_ratio", settings.SampleRatio)
	return provider, nil
}

func endpointFor(settings Settings) string {
	return cmp.Or(
		strings.TrimSpace(settings.Override),
		strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		strings.TrimSpace(settings.Endpoint),
		DefaultEndpoint,
	)
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func environment() string {
	for _, key := range []string{"QRBRIDGE_ENV", "ENVIRONMENT"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return strings.ToLower(value)
		}
	}
	return "dev"
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if path := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_CERTIFICATE")); path != "" {
		pool, err := certPool(path)
		if err != nil {
			return nil, err
		}
		options = append(options, otlptracehttp.WithTLSClientConfig(&tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}))
	}
	return otlptracehttp.New(ctx, options...)
}

func certPool(path string) (*x509.CertPool, error) {
	// #nosec G304 -- path comes from OTEL_EXPORTER_OTLP_CERTIFICATE.
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read OTLP certificate %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse OTLP certificate %q: no certificates found", path)
	}
	return pool, nil
}

// consoleExporter renders one line per span, with the view id when the span
// carries one.
type consoleExporter struct {
	mu  sync.Mutex
	out io.Writer
}

func (e *consoleExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, span := range spans {
		line := fmt.Sprintf("span %s %s status=%s", span.Name(), span.EndTime().Sub(span.StartTime()).Round(time.Millisecond), span.Status().Code)
		for _, attr := range span.Attributes() {
			if attr.Key == "view_id" {
				line += " view_id=" + attr.Value.Emit()
			}
		}
		for _, event := range span.Events() {
			line += " event=" + event.Name
		}
		if _, err := fmt.Fprintln(e.out, line); err != nil {
			return err
		}
	}
	return nil
}

func (e *consoleExporter) Shutdown(context.Context) error {
	return nil
}
