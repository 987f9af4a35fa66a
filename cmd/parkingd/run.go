package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/care/parking/internal/config"
	"github.com/care/parking/internal/core"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts)
		},
	}
}

func runService(opts *rootOptions) error {
	slog.Info("starting parking service",
		"config", opts.configPath,
		"debug", opts.debug,
		"version", Version,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := core.NewService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create parking service: %w", err)
	}

	if cfg.Health.Addr != "" {
		if err := svc.StartHealthServer(cfg.Health.Addr); err != nil {
			if cerr := svc.Close(); cerr != nil {
				slog.Error("failed to close audit log", "error", cerr)
			}
			return err
		}
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		<-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		}
	}

	// Graceful shutdown
	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("parking service stopped successfully")
	return nil
}
