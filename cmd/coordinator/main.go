// Command coordinator starts the job coordination HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexara/sixworker/internal/adapter/httpserver"
	"github.com/lexara/sixworker/internal/adapter/observability"
	"github.com/lexara/sixworker/internal/adapter/repo/postgres"
	"github.com/lexara/sixworker/internal/app"
	"github.com/lexara/sixworker/internal/config"
	"github.com/lexara/sixworker/internal/dlq"
	"github.com/lexara/sixworker/internal/loaders"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Schema migrations run before the pool opens.
	if err := postgres.Migrate(cfg.DatabaseURL()); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL())
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	workerRepo := postgres.NewWorkerRepo(pool)
	issueRepo := postgres.NewIssueRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)

	// Reaper returns abandoned jobs to the queue.
	reaper := app.NewReaper(jobRepo, cfg.HeartbeatDeadline, cfg.ReaperInterval, cfg.MaxRequeues)
	go reaper.Run(ctx)

	// DLQ janitor drops reprocessed rows past retention.
	janitor := dlq.NewReprocessor(dlqRepo, nil, dlq.Options{
		MaxRetries: cfg.DLQMaxRetries,
		Cooldown:   cfg.DLQCooldown,
		BaseDelay:  cfg.DLQBaseDelay,
		Retention:  time.Duration(cfg.DLQRetentionDays) * 24 * time.Hour,
	}, logger)
	go janitor.RunCleanupLoop(ctx, cfg.DLQCleanupInterval)

	srv := &httpserver.Server{
		Cfg:           cfg,
		Jobs:          jobRepo,
		Workers:       workerRepo,
		Issues:        issueRepo,
		ClaimSQL:      postgres.ClaimSQL,
		KnownJobTypes: loaders.NewRegistry().Types(),
		DBCheck: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("coordinator starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
