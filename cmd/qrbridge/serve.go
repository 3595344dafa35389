package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/touchcapture/qrbridge/internal/bridge"
	"github.com/touchcapture/qrbridge/internal/config"
	"github.com/touchcapture/qrbridge/internal/device"
	"github.com/touchcapture/qrbridge/internal/device/sim"
	"github.com/touchcapture/qrbridge/internal/events"
	"github.com/touchcapture/qrbridge/internal/lifecycle"
	"github.com/touchcapture/qrbridge/internal/locks"
	"github.com/touchcapture/qrbridge/internal/logging"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/telemetry"
	"github.com/touchcapture/qrbridge/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const noView = -1

type serveOptions struct {
	simulate          bool
	viewID            int
	cameraFacing      int
	permissionGranted bool
	otelEndpoint      string
}

func newServeCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	opts := serveOptions{viewID: noView, cameraFacing: noView, permissionGranted: true}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the host channel as JSON lines on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			provider, err := telemetry.Init(ctx, telemetry.Settings{
				Endpoint:    cfg.OTelEndpoint,
				Override:    opts.otelEndpoint,
				SampleRatio: cfg.OTelSampleRatio,
				Attributes:  []attribute.KeyValue{attribute.String("qrbridge.protocol", protocol.ProtocolVersion)},
				Logger:      logger.Logger,
			})
			if err != nil {
				return fmt.Errorf("initialize telemetry: %w", err)
			}
			defer provider.Shutdown()

			ctx, span := otel.Tracer("qrbridge").Start(ctx, "qrbridge.serve")
			defer span.End()
			return runServe(ctx, cfg, logger.ForSpan(ctx), cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.simulate, "simulate", false, "expose simulateDetection, simulateLifecycle and simulatePermission")
	flags.IntVar(&opts.viewID, "view-id", noView, "create this view at startup")
	flags.IntVar(&opts.cameraFacing, "camera-facing", noView, "initial camera facing for new views (0 back, 1 front)")
	flags.BoolVar(&opts.permissionGranted, "permission-granted", true, "initial simulated camera permission")
	flags.StringVar(&opts.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint, overriding config and environment")
	return cmd
}

// runServe answers host requests read from in until EOF or cancellation. The
// bundled camera driver is the simulator; embedding hosts supply real
// drivers through bridge.Environment.
func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger, in io.Reader, out io.Writer, opts serveOptions) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	defaults, err := viewDefaults(cfg, opts)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := telemetry.NewMetrics(registry)
	defer metrics.CountViolations()()

	bus := events.New(events.WithBufferSize(cfg.EventBufferSize), events.WithLogger(logger))
	defer bus.Close()
	bus.SubscribeAll(func(event events.Event) {
		logger.Debug("bridge event", "type", event.Type, "view_id", event.ViewID, "severity", event.Severity)
	})
	faults, stopTracking := telemetry.TrackFaults(bus)
	defer stopTracking()

	cameras := newCameraRack()
	permissions := sim.NewPermissions(opts.permissionGranted)
	hub := lifecycle.NewHub()

	var views *bridge.Registry
	server, err := transport.NewServer(in, out, transport.HandlerFunc(func(ctx context.Context, request protocol.Request) protocol.Response {
		return views.Handle(ctx, request)
	}), transport.WithLogger(logger), transport.WithDetached(bridge.AwaitsHost))
	if err != nil {
		return err
	}

	views, err = bridge.NewRegistry(bridge.Environment{
		NewCamera:         cameras.newCamera,
		Permissions:       permissions,
		Lifecycle:         hub,
		Sink:              server,
		Leases:            locks.NewInMemoryManager(),
		Bus:               bus,
		Metrics:           metrics,
		Logger:            logger,
		Tracer:            otel.Tracer("qrbridge"),
		PermissionTimeout: cfg.PermissionTimeout,
	}, defaults)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := views.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Warn("dispose views", "error", closeErr)
		}
	}()

	if opts.simulate {
		if err := registerSimulation(views, cameras, permissions, hub); err != nil {
			return err
		}
	}
	if opts.viewID != noView {
		view, err := views.CreateView(viewConfig(defaults, opts.viewID))
		if err != nil {
			return fmt.Errorf("create view %d: %w", opts.viewID, err)
		}
		logger.Info("view ready", "channel", protocol.ChannelName(view.ID()))
	}

	var wg sync.WaitGroup
	serveCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	if cfg.MetricsAddr != "" {
		metricsServer, err := telemetry.Listen(cfg.MetricsAddr, telemetry.NewRouter(registry, faults.Health, logger))
		if err != nil {
			return err
		}
		logger.Info("metrics listening", "addr", metricsServer.Addr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.Serve(serveCtx); err != nil {
				logger.Error("metrics server", "error", err)
			}
		}()
	}

	logger.Info("serving host channel", "simulate", opts.simulate, "protocol", protocol.ProtocolVersion)
	err = server.Serve(serveCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func viewDefaults(cfg *config.Config, opts serveOptions) (bridge.Defaults, error) {
	facing := cfg.CameraFacing
	if opts.cameraFacing != noView {
		parsed, err := device.ParseFacing(opts.cameraFacing)
		if err != nil {
			return bridge.Defaults{}, fmt.Errorf("--camera-facing: %w", err)
		}
		facing = parsed
	}
	defaults := bridge.Defaults{
		Facing:         facing,
		AllowedFormats: cfg.AllowedFormats.Clone(),
		Views:          map[int]bridge.Defaults{},
	}
	for id, view := range cfg.Views {
		defaults.Views[id] = bridge.Defaults{
			Facing:         view.CameraFacing,
			AllowedFormats: view.AllowedFormats.Clone(),
			Owner:          view.Owner,
		}
	}
	return defaults, nil
}

func viewConfig(defaults bridge.Defaults, viewID int) bridge.ViewConfig {
	resolved := defaults.ForView(viewID)
	return bridge.ViewConfig{
		ViewID:         viewID,
		Facing:         resolved.Facing,
		AllowedFormats: resolved.AllowedFormats.Clone(),
		Owner:          resolved.Owner,
	}
}

// cameraRack hands out one simulated camera per view, all sharing one board.
type cameraRack struct {
	board *sim.Board

	mu      sync.Mutex
	cameras map[int]*sim.Camera
}

func newCameraRack() *cameraRack {
	return &cameraRack{board: sim.NewBoard(), cameras: map[int]*sim.Camera{}}
}

func (r *cameraRack) newCamera(viewID int) device.Camera {
	camera := sim.New(sim.WithBoard(r.board))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cameras[viewID] = camera
	return camera
}

func (r *cameraRack) camera(viewID int) (*sim.Camera, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	camera, ok := r.cameras[viewID]
	return camera, ok
}
