// Package main is the entry point for the flume-core daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flumeai/flume-oss/internal/ratelimit"
	"github.com/flumeai/flume-oss/pkg/config"
	"github.com/flumeai/flume-oss/pkg/container"
	"github.com/flumeai/flume-oss/pkg/engine"
	"github.com/flumeai/flume-oss/pkg/logging"
	"github.com/flumeai/flume-oss/pkg/telemetry"
)

const (
	defaultConfigPath = "flume.yaml"
	defaultListenAddr = ":8080"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", defaultListenAddr, "Address to listen on")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	prettyLogs := flag.Bool("pretty", false, "Enable pretty console logging")
	flag.Parse()

	doc, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	level := doc.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.NewLogger(logging.Config{
		Level:  level,
		Pretty: *prettyLogs || doc.Logging.Pretty,
	})
	slog.SetDefault(logger)

	logger.Info("Starting flume-core", "config", *configPath, "workflow", doc.Workflow.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: serviceName(doc),
		Endpoint:    doc.Telemetry.Endpoint,
		Environment: doc.Telemetry.Environment,
		Insecure:    doc.Telemetry.Insecure,
		Headers:     doc.Telemetry.Headers,
	})
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	provider, err := config.NewFileProvider(*configPath, logger)
	if err != nil {
		logger.Error("Failed to initialize config provider", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Error("Failed to close config provider", "error", err)
		}
	}()

	resources := container.New(logger)
	if err := engine.PopulateContainer(resources, doc.Resources, engine.BuiltinResourceFactories()); err != nil {
		logger.Error("Failed to register resources", "error", err)
		os.Exit(1)
	}
	if err := resources.Start(ctx); err != nil {
		logger.Error("Failed to start resource container", "error", err)
		os.Exit(1)
	}

	registry := engine.NewRegistry(logger)
	if err := engine.RegisterBuiltins(registry); err != nil {
		logger.Error("Failed to register builtin plugins", "error", err)
		os.Exit(1)
	}

	builder := engine.NewBuilder(registry, resources, logger)
	manager := engine.NewManager(builder, resources, logger)

	httpMetrics := telemetry.NewHTTPMetrics()

	initial := provider.Current()
	if err := manager.Apply(&initial); err != nil {
		logger.Error("Failed to build initial workflow", "error", err)
		os.Exit(1)
	}
	httpMetrics.SetWorkflowGeneration(manager.Current().Name, manager.Current().Generation)

	go watchConfig(provider, manager, httpMetrics, logger)

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Logger:   logger,
		Recorder: telemetry.NewRecorder(logger),
	})

	server := startServer(*listenAddr, engine.NewAgentHandler(engine.AgentHandlerConfig{
		Manager:   manager,
		Executor:  executor,
		Resources: resources,
		Logger:    logger,
		Metrics:   httpMetrics,
		Limiter:   buildLimiter(doc.Limits),
	}), httpMetrics, logger)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}
	if err := resources.Stop(shutdownCtx); err != nil {
		logger.Error("Resource teardown error", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown error", "error", err)
	}
}

func buildLimiter(limits config.LimitsSpec) *ratelimit.Limiter {
	if limits.Default.RequestsPerSecond <= 0 && len(limits.Agents) == 0 {
		return nil
	}
	perAgent := make(map[string]ratelimit.Config, len(limits.Agents))
	for agentID, limit := range limits.Agents {
		perAgent[agentID] = ratelimit.Config{
			RequestsPerSecond: limit.RequestsPerSecond,
			BurstSize:         limit.Burst,
		}
	}
	return ratelimit.New(perAgent, ratelimit.Config{
		RequestsPerSecond: limits.Default.RequestsPerSecond,
		BurstSize:         limits.Default.Burst,
	})
}

func serviceName(doc *config.Document) string {
	if doc.Telemetry.ServiceName != "" {
		return doc.Telemetry.ServiceName
	}
	return "flume-core"
}

func watchConfig(provider *config.FileProvider, manager *engine.Manager, metrics *telemetry.HTTPMetrics, logger *slog.Logger) {
	for snapshot := range provider.Subscribe() {
		if err := manager.Apply(&snapshot); err != nil {
			metrics.ObserveReload("rejected")
			logger.Error("Configuration update rejected", "generation", snapshot.Generation, "error", err)
			continue
		}
		metrics.ObserveReload("applied")
		if workflow := manager.Current(); workflow != nil {
			metrics.SetWorkflowGeneration(workflow.Name, workflow.Generation)
		}
		logger.Info("Configuration update applied", "generation", snapshot.Generation)
	}
}

func startServer(addr string, agent http.Handler, metrics *telemetry.HTTPMetrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/v1/agent", otelhttp.NewHandler(agent, "flume.agent"))

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("Failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}
	logger.Info("Server listening", "addr", listener.Addr().String())

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()
	return server
}
