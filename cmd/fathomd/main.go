package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fathomlabs/fathom/internal/archive"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/health"
	"github.com/fathomlabs/fathom/internal/httpapi"
	"github.com/fathomlabs/fathom/internal/journal"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/policy"
	"github.com/fathomlabs/fathom/internal/progress"
	"github.com/fathomlabs/fathom/internal/research"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
	"github.com/fathomlabs/fathom/internal/tracing"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}

	// Session store with its TTL sweeper.
	sessions := session.NewStore(logger,
		session.WithTTL(cfg.Session.TTL),
		session.WithSweepInterval(cfg.Session.SweepInterval),
		session.WithMaxHistory(cfg.Session.MaxHistory),
	)
	sessions.Start()
	defer sessions.Stop()

	stream := streaming.NewManager(256)

	// Collaborator clients.
	prompts, err := llm.LoadPrompts(cfg.Research.PromptFile)
	if err != nil {
		logger.Fatal("Failed to load prompt templates", zap.Error(err))
	}
	completer := llm.NewClient(cfg.LLM, logger).WithPrompts(prompts)
	searcher := search.NewClient(cfg.Search, logger)

	var opts []research.EngineOption

	if cfg.Progress.PlatformURL != "" {
		notifier := progress.NewNotifier(
			progress.NewHTTPPlatform(cfg.Progress.PlatformURL),
			cfg.Progress.DebounceInterval,
			cfg.Progress.CleanupGrace,
			cfg.Progress.MessageLimit,
			logger,
		)
		defer notifier.Close()
		opts = append(opts, research.WithNotifier(notifier))
	}

	gate, err := policy.NewGate(cfg.Policy, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy gate", zap.Error(err))
	}
	opts = append(opts, research.WithGate(gate))

	readiness := health.NewRegistry(2*time.Second, logger)

	if cfg.Journal.Enabled {
		jnl, err := journal.New(cfg.Journal, logger)
		if err != nil {
			logger.Fatal("Failed to connect run journal", zap.Error(err))
		}
		defer jnl.Close()
		opts = append(opts, research.WithJournal(jnl))
		readiness.Register("journal", true, jnl.Ping)
	}

	var runStore httpapi.RunStore
	if cfg.Archive.Enabled {
		arc, err := archive.New(cfg.Archive, logger)
		if err != nil {
			logger.Fatal("Failed to open run archive", zap.Error(err))
		}
		defer arc.Close()
		opts = append(opts, research.WithArchiver(arc))
		runStore = arc
		readiness.Register("archive", false, arc.Ping)
	}

	engine := research.NewEngine(cfg.Research, completer, searcher, sessions, stream, logger, opts...)

	// Hot reload for policy rule edits.
	watcher, err := config.NewManager(cfg.Policy.Path, logger)
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		watcher.OnPolicyChange(func() error {
			return gate.Reload()
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	api := httpapi.NewServer(engine, sessions, stream, runStore, cfg.Auth, logger).
		WithReadiness(readiness.Handler())
	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Service.Port),
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Service.ReadTimeout,
		WriteTimeout: cfg.Service.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	if shutdownTracing != nil {
		_ = shutdownTracing(shutdownCtx)
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
