// deploy-service is the HTTP API server for scheduling service build jobs.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deploystack/internal/api"
	"deploystack/internal/config"
	"deploystack/internal/deploy"
	"deploystack/internal/health"
	"deploystack/internal/manifest"
	"deploystack/internal/notifier"
	"deploystack/internal/observability"
	"deploystack/internal/runner/docker"
	"deploystack/internal/scheduler"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	runnerCfg := docker.LoadConfigFromEnv()
	notifierCfg := notifier.LoadConfigFromEnv()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create settlement notifier
	settlementNotifier := notifier.NewMemory(notifierCfg, metrics)

	// Create Docker runner (removes stale build containers from a previous run)
	buildRunner, err := docker.NewRunner(ctx, runnerCfg)
	if err != nil {
		return err
	}
	defer buildRunner.Close()

	slog.Info("Connected to Docker daemon")

	// Load the service manifest and watch it for changes
	manifests := manifest.NewManager(svcCfg.ManifestPath)
	if _, err := manifests.Load(); err != nil {
		return err
	}
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go func() {
		if err := manifests.Watch(watchCtx); err != nil {
			slog.Warn("Manifest watcher stopped", "error", err)
		}
	}()

	// Create the scheduler; settlements flow to the notifier via the
	// deploy service's hook.
	var deployService *deploy.Service
	sched, err := scheduler.New(scheduler.Config{
		Workers:        svcCfg.Workers,
		SlotsPerWorker: svcCfg.SlotsPerWorker,
		Logger:         slog.Default(),
		Metrics:        metrics,
		OnSettle: func(res scheduler.Result) {
			deployService.HandleSettlement(res)
		},
	})
	if err != nil {
		return err
	}

	deployService = deploy.NewService(sched, buildRunner, manifests, settlementNotifier)

	// Create health checker
	healthChecker := health.NewChecker(buildRunner)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		DeployService:     deployService,
		Metrics:           metrics,
		HealthChecker:     healthChecker,
		APIKey:            svcCfg.APIKey,
		RequestRatePerSec: svcCfg.RequestRatePerSec,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Wait for accepted builds to settle
	slog.Info("Draining scheduler")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer drainCancel()
	if err := sched.Drain(drainCtx); err != nil {
		slog.Warn("Scheduler drain interrupted", "error", err)
	}

	stats := sched.Stats()
	slog.Info("Scheduler stats",
		"settled", stats.Settled,
		"pending", stats.Pending,
		"running", stats.Running,
	)

	// Phase 4: Flush queued settlement events
	slog.Info("Draining settlement notifier")
	notifierCtx, notifierCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifierCancel()
	if err := settlementNotifier.Close(notifierCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	notifierStats := settlementNotifier.Stats()
	slog.Info("Notifier stats",
		"delivered", notifierStats.Delivered,
		"failed", notifierStats.Failed,
		"dropped", notifierStats.Dropped,
	)

	slog.Info("Shutdown complete")
	return nil
}
