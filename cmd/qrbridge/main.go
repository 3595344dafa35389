package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/touchcapture/qrbridge/internal/config"
	"github.com/touchcapture/qrbridge/internal/logging"
	"github.com/touchcapture/qrbridge/internal/protocol"
	"github.com/touchcapture/qrbridge/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx,
		logging.WithRunID(uuid.NewString()),
		logging.WithLevel(cfg.LogLevel),
		logging.WithMaxFiles(cfg.LogMaxFiles),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(cfg, logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config, logger *logging.RuntimeLogger) *cobra.Command {
	root := &cobra.Command{
		Use:           "qrbridge",
		Short:         "Barcode scanner bridge between a host UI and the device camera",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newServeCommand(cfg, logger),
		newFormatsCommand(),
		newVersionCommand(),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil || logger.Logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		telemetry.ServiceVersion = Version
		logger.Logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bridge and protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "qrbridge %s (protocol %s)\n", Version, protocol.ProtocolVersion)
			return err
		},
	}
}
