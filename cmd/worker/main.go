package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/notify"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/ratelimit"
	"job-scoring-pipeline/internal/scorer"
	"job-scoring-pipeline/internal/store"
	"job-scoring-pipeline/internal/telemetry"
	workerproc "job-scoring-pipeline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("worker: %v", err)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	base, err := logger.New(cfg.LogLevel, "worker")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = base.Sync() }()
	lg := base.With(logger.String("worker_id", workerID))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, cfg)
	if err := q.Ping(ctx); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	events := notify.NewNotifier(notify.NewRedisPublisher(rdb), lg)
	var opts []workerproc.Option
	if cfg.WorkerRateLimit > 0 {
		// WORKER_RATE_LIMIT is a fleet-wide cap; the local limiter only smooths bursts
		opts = append(opts, workerproc.WithSharedLimiter(ratelimit.NewScoringLimiter(rdb, cfg.WorkerRateLimit)))
	}
	processor := workerproc.NewProcessor(cfg, q, st, scorer.New(cfg.ScorerWebhookURL, cfg.ScorerTimeout, lg), events, lg, opts...)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Warn("metrics server stopped", logger.Error(err))
		}
	}()

	lg.Info("worker started",
		logger.Duration("visibility", cfg.VisibilityTimeout),
		logger.Duration("backoff_initial", cfg.BackoffInitial),
		logger.String("scorer", cfg.ScorerWebhookURL),
	)
	runErr := processor.Run(ctx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metrics.Shutdown(shutdownCtx)
	return runErr
}
