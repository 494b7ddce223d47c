// Command orchestrator runs the full Task Router, Agent Runtime, Workflow
// Engine, and Worker Process Shell in a single process, wired against a
// local BoltDB store and a NATS JetStream messaging fabric.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/babushkai/agentorchestrators/internal/app"
	"github.com/babushkai/agentorchestrators/internal/config"
	"github.com/babushkai/agentorchestrators/internal/core/logging"
	"github.com/babushkai/agentorchestrators/internal/core/otelinit"
)

func main() {
	cfg := config.FromEnv()
	logger := logging.Init(cfg.Telemetry.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var shutdownTracer func(context.Context) error = func(context.Context) error { return nil }
	var shutdownMetrics func(context.Context) error = func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		shutdownTracer = otelinit.InitTracer(ctx, cfg.Telemetry.ServiceName)
		sm, _, _ := otelinit.InitMetrics(ctx, cfg.Telemetry.ServiceName)
		shutdownMetrics = sm
	}
	meter := otel.Meter(cfg.Telemetry.ServiceName)

	application, err := app.New(ctx, cfg, meter, logger)
	if err != nil {
		logger.Error("failed to wire application", "error", err)
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		logger.Error("failed to start application", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator started",
		"environment", cfg.Environment,
		"worker_id", application.Worker.WorkerID(),
		"db_path", cfg.Store.DBPath,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelled := application.Cancellation.CancelAll(shutdownCtx, "process shutdown")
	if cancelled > 0 {
		logger.Info("cancelled in-flight workflow executions", "count", cancelled)
	}
	application.Stop(shutdownCtx)

	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown error", "error", err)
	}

	logger.Info("orchestrator stopped")
}
