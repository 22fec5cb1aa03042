// Package main is the entry point for the labplane worker.
// The worker listens for invocations addressed to its server ID and runs them
// through the orchestration pipeline: cache, approval, execution, relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labplane/internal/approval"
	"labplane/internal/auth"
	"labplane/internal/config"
	"labplane/internal/controller"
	"labplane/internal/logger"
	"labplane/internal/observability"
	"labplane/internal/store"
	"labplane/internal/store/memory"
	"labplane/internal/store/postgres"
	"labplane/internal/worker"
	"labplane/internal/worker/runtime"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to config file (default: labplane.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg := logger.NewWithLevel(cfg.LogLevel)
	slog.SetDefault(logg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "labplane-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logg.Error("failed to shutdown tracer", "error", err)
		}
	}()

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("labplane-worker")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			logg.Error("failed to shutdown metrics", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	runner, err := newRunner(cfg, logg)
	if err != nil {
		log.Fatalf("Failed to create runner: %v", err)
	}

	var gate approval.Gate = approval.AllowAll{}
	if cfg.ApprovalURL != "" {
		gate = approval.NewHTTPGate(cfg.ApprovalURL, cfg.ApprovalTimeout)
		logg.Info("using approval service", "url", cfg.ApprovalURL)
	} else {
		logg.Warn("no approval_url configured, every invocation is approved")
	}

	orchestrator := worker.NewOrchestrator(st, st, gate, runner, logg, worker.OrchestratorConfig{
		ServerInfo:       serverInfo(cfg),
		ExecutionTimeout: cfg.ExecutionTimeout,
	})
	agent := worker.NewAgent(st, orchestrator, worker.AgentConfig{
		ServerID:    cfg.ServerID,
		Concurrency: cfg.WorkerConcurrency,
	}, logg)

	agentErr := make(chan error, 1)
	go func() { agentErr <- agent.Run(ctx) }()

	metricsSrv := observability.NewMetricsServer(fmt.Sprintf(":%d", cfg.MetricsPort), metricsHandler)
	go func() {
		logg.Info("worker metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Error("metrics server error", "error", err)
		}
	}()

	// Nothing outside this process can reach an in-memory store, so serve the API here.
	if cfg.Store == config.StoreMemory {
		srv := controller.New(controller.Options{
			Addr:           fmt.Sprintf(":%d", cfg.HTTPPort),
			Keys:           auth.NewKeyRing(cfg.APIKeys),
			RateLimit:      cfg.RateLimit,
			RateLimitBurst: cfg.RateLimitBurst,
		}, st, logg)
		go func() {
			logg.Info("controller API listening", "port", cfg.HTTPPort)
			if err := srv.Run(ctx); err != nil {
				logg.Error("controller stopped", "error", err)
			}
		}()
	}

	logg.Info("worker started",
		"server_id", cfg.ServerID,
		"runner", cfg.Runner,
		"store", cfg.Store,
		"concurrency", cfg.WorkerConcurrency,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-agentErr:
		logg.Error("agent stopped", "error", err)
	}

	logg.Info("shutting down worker")
	cancel()

	<-agent.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logg.Error("failed to shutdown metrics server", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memory.New(), nil
	default:
		return postgres.New(ctx, cfg.DatabaseURL)
	}
}

func newRunner(cfg *config.Config, logg *slog.Logger) (runtime.Runner, error) {
	switch cfg.Runner {
	case config.RunnerDummy:
		logg.Info("using dummy runner")
		return runtime.NewDummyRunner(100 * time.Millisecond), nil
	case config.RunnerExec:
		logg.Info("using exec runner", "workdir", cfg.RunnerWorkDir, "command", cfg.RunnerCommand)
		return runtime.NewExecRunner(cfg.RunnerWorkDir, cfg.RunnerCommand), nil
	case config.RunnerKubernetes:
		logg.Info("using kubernetes runner", "namespace", cfg.Kubernetes.Namespace, "image", cfg.RunnerImage)
		return runtime.NewKubernetesRunner(runtime.KubernetesConfig{
			Namespace:          cfg.Kubernetes.Namespace,
			ServiceAccount:     cfg.Kubernetes.ServiceAccount,
			Image:              cfg.RunnerImage,
			Command:            cfg.RunnerCommand,
			DefaultCPULimit:    cfg.Kubernetes.CPULimit,
			DefaultMemoryLimit: cfg.Kubernetes.MemoryLimit,
		})
	default:
		logg.Info("using docker runner", "image", cfg.RunnerImage,
			"memory_mb", cfg.Docker.MemoryMB, "nano_cpus", cfg.Docker.NanoCPUs)
		return runtime.NewDockerRunner(runtime.DockerConfig{
			Image:    cfg.RunnerImage,
			Command:  cfg.RunnerCommand,
			MemoryMB: cfg.Docker.MemoryMB,
			NanoCPUs: cfg.Docker.NanoCPUs,
		})
	}
}

func serverInfo(cfg *config.Config) string {
	if cfg.ServerInfo != "" {
		return cfg.ServerInfo
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s@%s (%s runner)", cfg.ServerID, host, cfg.Runner)
}
