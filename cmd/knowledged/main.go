// Command knowledged is the backend daemon. It wires the container and runs
// the extraction intake, the projection runtime, the outbox publisher, and
// the ops HTTP server until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cartograph-backend/internal/config"
	"cartograph-backend/internal/di"
	"cartograph-backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "knowledged:", err)
		os.Exit(1)
	}
}

func run() error {
	resetProjection := flag.String("reset-projection", "",
		"clear the named projection and replay it from the event log before serving")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container, err := di.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("wiring failed", zap.Error(err))
		return err
	}
	defer container.Close()

	// Runs before the workers start; a running worker would race the
	// checkpoint rewind.
	if *resetProjection != "" {
		if err := container.Runtime.Reset(ctx, *resetProjection); err != nil {
			logger.Error("projection reset failed",
				zap.String("projection", *resetProjection), zap.Error(err))
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return container.Runtime.Run(gctx) })
	g.Go(func() error { return container.Outbox.Run(gctx) })
	g.Go(func() error { return container.Intake.Run(gctx) })
	g.Go(container.Ops.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return container.Ops.Shutdown(shutdownCtx)
	})

	logger.Info("knowledged started",
		zap.String("environment", cfg.Environment),
		zap.String("ops_addr", cfg.OpsAddr))

	err = g.Wait()

	// The producing loops are stopped; ship anything they left behind so a
	// restart does not begin with a backlog.
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	container.Outbox.Drain(drainCtx)
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopped after failure", zap.Error(err))
		return err
	}
	logger.Info("knowledged stopped")
	return nil
}
