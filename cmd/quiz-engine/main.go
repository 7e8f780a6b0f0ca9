package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobpostpro/quiz-engine/internal/api"
	"github.com/jobpostpro/quiz-engine/internal/bank"
	"github.com/jobpostpro/quiz-engine/internal/cache"
	"github.com/jobpostpro/quiz-engine/internal/cleanup"
	"github.com/jobpostpro/quiz-engine/internal/config"
	"github.com/jobpostpro/quiz-engine/internal/events"
	"github.com/jobpostpro/quiz-engine/internal/health"
	"github.com/jobpostpro/quiz-engine/internal/lib/slogcustom"
	"github.com/jobpostpro/quiz-engine/internal/quiz"
	"github.com/jobpostpro/quiz-engine/internal/session"
	"github.com/jobpostpro/quiz-engine/internal/sink"
	"github.com/jobpostpro/quiz-engine/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Log, os.Stdout))

	slog.Info("starting quiz-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"question_time", cfg.Quiz.QuestionTime,
		"submission_mode", cfg.Submission.Mode,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	checks := health.NewRegistry()
	var closers []io.Closer

	// Storage: PostgreSQL when configured, otherwise in-memory
	var repo storage.Repository
	if cfg.Database.DSN != "" {
		slog.Info("running database migrations", "dir", cfg.Database.MigrationsDir)
		if err := storage.MigrateFromDSN(initCtx, cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}

		pg, err := storage.NewPostgresRepository(initCtx, storage.PostgresConfig{
			DSN:          cfg.Database.DSN,
			MaxOpenConns: int32(cfg.Database.MaxConns),
		})
		if err != nil {
			slog.Error("failed to create database repository", "error", err)
			os.Exit(1)
		}
		repo = pg
		slog.Info("database connected successfully")

		pgCheck, err := health.NewPostgresChecker(cfg.Database.DSN)
		if err != nil {
			slog.Error("failed to create postgres checker", "error", err)
			os.Exit(1)
		}
		checks.Register("postgres", pgCheck)
		closers = append(closers, pgCheck)
	} else {
		slog.Warn("DATABASE_DSN not set, sessions and submissions are kept in memory")
		repo = storage.NewMemoryRepository()
	}
	closers = append(closers, repo)

	// Quiz bank
	quizzes := bank.NewLoader()
	if err := quizzes.LoadFromDir(cfg.Quiz.BankDir); err != nil {
		slog.Warn("failed to load quiz bank", "dir", cfg.Quiz.BankDir, "error", err)
	}
	slog.Info("quiz bank loaded", "quizzes", len(quizzes.List()))

	// Snapshot cache: Redis when configured, otherwise in-memory
	var snapshots cache.SnapshotStore
	var pruners []cleanup.Pruner
	if cfg.Redis.Address != "" {
		client, err := cache.NewRedisClient(initCtx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		snapshots = cache.NewRedisStore(client, cfg.Redis.SnapshotTTL)
		checks.Register("redis", health.NewRedisChecker(client))
		slog.Info("redis connected successfully", "address", cfg.Redis.Address)
	} else {
		mem := cache.NewMemoryStore(cfg.Redis.SnapshotTTL)
		snapshots = mem
		pruners = append(pruners, mem)
	}
	closers = append(closers, snapshots)

	// Lifecycle events
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			slog.Error("failed to connect to rabbitmq", "error", err)
			os.Exit(1)
		}
		publisher = rabbit
		slog.Info("rabbitmq connected successfully", "exchange", cfg.RabbitMQ.Exchange)
	}
	closers = append(closers, publisher)

	// Submission sink
	var submissions quiz.Sink
	switch cfg.Submission.Mode {
	case config.SubmissionModeHTTP:
		submissions = sink.NewHTTPSink(cfg.Submission.URL, cfg.Submission.Timeout, sink.WithAPIKey(cfg.Submission.APIKey))
	default:
		submissions = sink.NewRepositorySink(quizzes, repo, publisher)
	}

	manager := session.NewManager(repo, quizzes, submissions, snapshots, publisher, session.Config{
		QuestionTime:  cfg.Quiz.QuestionTime,
		SubmitTimeout: cfg.Quiz.SubmitTimeout,
		JoinTTL:       cfg.Quiz.JoinTTL,
	})
	checks.Register("sessions", health.CheckerFunc(manager.Ping))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start cleanup worker
	cleanup.NewCleaner(manager, cfg.Cleanup.Interval, pruners...).Start(ctx)

	// Setup HTTP server
	server := api.NewServer(cfg.Server, manager, quizzes, repo, checks)
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Sessions in progress end as expired; pending writes are flushed first
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("session manager shutdown error", "error", err)
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Error("close error", "error", err)
		}
	}

	slog.Info("quiz-engine stopped")
}

// newLogger builds the JSON handler for production or the colored text handler for local runs
func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	if cfg.Format == "text" {
		return slog.New(slogcustom.NewCustomHandler(out, level))
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
}
