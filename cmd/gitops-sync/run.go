package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hedgehog/gitops-sync/internal/apiserver"
	"github.com/hedgehog/gitops-sync/internal/engine"
	"github.com/hedgehog/gitops-sync/internal/execx"
	"github.com/hedgehog/gitops-sync/internal/gitrepo"
	"github.com/hedgehog/gitops-sync/internal/health"
	"github.com/hedgehog/gitops-sync/internal/kube"
	"github.com/hedgehog/gitops-sync/internal/release"
	"github.com/hedgehog/gitops-sync/internal/report"
	"github.com/hedgehog/gitops-sync/internal/telemetry"
)

const (
	defaultWorkspaceDir = "/tmp/gitops-repo"
	// shutdownGrace bounds how long the status server, the websocket hub and
	// the tracer are given to shut down once a terminate/interrupt signal is
	// received. Cycles run on the signal-cancelled context, so a cycle in
	// progress when the signal arrives has its subprocesses signalled to
	// terminate at once and is not given this grace; the loop returns only
	// after that cycle's tasks have all returned. The last-applied commit is
	// held in memory only, so the next process start syncs every
	// application again.
	shutdownGrace = 30 * time.Second

	subprocessRPS   = 10
	subprocessBurst = 20
)

func newRunCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the reconciliation service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context(), listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":8080", "address for the status HTTP server (/healthz, /metrics, /api/v1/cycles/latest, /ws/cycles)")
	return cmd
}

func runService(ctx context.Context, listenAddr string) error {
	log := report.New()
	if humanLogs {
		log = log.WithMode(report.ModeHuman)
	}

	log.Info("starting gitops-sync", "config", configPath)

	cfg, err := loadConfig()
	if err != nil {
		log.Error("init failed: invalid config", "error", err)
		return fmt.Errorf("init: %w", err)
	}

	runner := execx.New(subprocessRPS, subprocessBurst)

	workspaceDir := os.Getenv("WORKSPACE_DIR")
	if workspaceDir == "" {
		workspaceDir = defaultWorkspaceDir
	}
	workspace := gitrepo.New(runner, cfg.Git.Repository, cfg.Git.Branch, workspaceDir)
	if err := workspace.Ensure(ctx); err != nil {
		log.Error("init failed: could not prepare git workspace", "error", err)
		return fmt.Errorf("init: %w", err)
	}

	clientset, err := kube.NewClientset(kube.Config{})
	if err != nil {
		log.Error("init failed: could not build kubernetes client", "error", err)
		return fmt.Errorf("init: %w", err)
	}

	prober := health.New(clientset, log)
	driver := release.New(runner, prober, workspace.Path(), cfg, log)

	metrics := telemetry.NewMetrics()
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:      os.Getenv("OTLP_ENDPOINT") != "",
		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
	})
	if err != nil {
		log.Error("init failed: could not build tracer", "error", err)
		return fmt.Errorf("init: %w", err)
	}

	status := apiserver.New(metrics, log)
	eng := engine.New(cfg, workspace, driver, log, metrics, tracer, engine.WithPublisher(status))

	httpSrv := &http.Server{
		Addr:         listenAddr,
		Handler:      status.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Error("init failed: could not bind status server", "error", err)
		return fmt.Errorf("init: %w", err)
	}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("status server stopped unexpectedly", "error", err)
		}
	}()
	log.Info("status server listening", "addr", listenAddr)

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		metrics.SetShutdownDrained(eng.InFlight())
	}()

	interval := cfg.Sync.IntervalDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("service initialized, starting reconciliation loop", "interval", interval)
	runCycle(sigCtx, eng, log)

	for {
		select {
		case <-ticker.C:
			runCycle(sigCtx, eng, log)

		case <-sigCtx.Done():
			log.Info("shutdown signal received, draining", "grace", shutdownGrace)
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()

			if err := httpSrv.Shutdown(drainCtx); err != nil {
				log.Warn("status server shutdown error", "error", err)
			}
			if err := status.Shutdown(drainCtx); err != nil {
				log.Warn("websocket hub shutdown error", "error", err)
			}
			if err := tracer.Shutdown(drainCtx); err != nil {
				log.Warn("tracer shutdown error", "error", err)
			}

			log.Info("shutdown complete")
			return nil
		}
	}
}

func runCycle(ctx context.Context, eng *engine.Engine, log report.Logger) {
	if ctx.Err() != nil {
		return
	}
	if _, _, err := eng.RunCycle(ctx); err != nil {
		log.Error("cycle failed", "error", err)
	}
}
