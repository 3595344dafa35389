package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

// HealthFunc reports whether the bridge can serve the host. A non-nil error
// turns /healthz into a 503.
type HealthFunc func(ctx context.Context) error

// NewRouter serves Prometheus metrics from gatherer and a health probe.
//
// Routes:
//
//	GET /metrics → Prometheus text exposition
//	GET /healthz → 200 "ok" or 503 with the health error
func NewRouter(gatherer prometheus.Gatherer, health HealthFunc, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(requestLogging(logger))

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if health != nil {
			if err := health(req.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, err.Error())
				return
			}
		}
		_, _ = io.WriteString(w, "ok")
	})
	return r
}

func requestLogging(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			started := time.Now()
			ww := chiMiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			logger.Debug("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(started),
			)
		})
	}
}

// Server exposes the router on a TCP address until its context ends.
type Server struct {
	listener net.Listener
	server   *http.Server
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, handler http.Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Server{
		listener: listener,
		server:   &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is canceled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		<-errCh
		return nil
	}
}
