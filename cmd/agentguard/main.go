package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentguard/agentguard/internal/api"
	"github.com/agentguard/agentguard/internal/compliance"
	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/interceptor"
	"github.com/agentguard/agentguard/internal/metrics"
	"github.com/agentguard/agentguard/internal/report"
	"github.com/agentguard/agentguard/internal/server"
	"github.com/agentguard/agentguard/internal/storage/sqlite"
	"github.com/agentguard/agentguard/internal/telemetry"
	"github.com/agentguard/agentguard/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.Server)
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer(logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	dbPath := cfg.Storage.Path
	if cfg.Storage.Type == "memory" {
		dbPath = ":memory:"
	}
	store, err := sqlite.New(dbPath)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	m := metrics.New()

	fwdOpts := []upstream.Option{upstream.WithSafeTransport()}
	for provider, baseURL := range cfg.Providers.BaseURLs() {
		fwdOpts = append(fwdOpts, upstream.WithBaseURL(provider, baseURL))
	}
	forwarder := upstream.New(cfg.Providers.Keys(), fwdOpts...)

	proxy := interceptor.New(store, store, forwarder,
		interceptor.WithStrictAudit(cfg.Audit.Strict),
		interceptor.WithRecordOnDisconnect(cfg.Audit.RecordOnDisconnect),
		interceptor.WithUpstreamTimeout(time.Duration(cfg.Audit.UpstreamTimeoutSeconds)*time.Second),
		interceptor.WithMaxCaptureBytes(cfg.Audit.MaxCaptureMB<<20),
		interceptor.WithMetrics(m),
		interceptor.WithLogger(logger),
	)

	engine := compliance.NewEngine(store, store, store, store)
	generator := report.NewGenerator(store, store, store, store, store, logger)
	restAPI := api.New(store, store, store, store, engine, generator, logger)

	srv := server.New(cfg.Server.Port, logger, proxy.Routes(), restAPI.Routes(), m.Handler())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("agentguard started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("strict_audit", cfg.Audit.Strict),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.ServerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
