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

	api "job-scoring-pipeline/internal/api"
	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/dispatch"
	"job-scoring-pipeline/internal/fetcher"
	"job-scoring-pipeline/internal/ingestion"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/notify"
	"job-scoring-pipeline/internal/pipeline"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/ratelimit"
	"job-scoring-pipeline/internal/schedule"
	"job-scoring-pipeline/internal/scorer"
	"job-scoring-pipeline/internal/store"
	workerproc "job-scoring-pipeline/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	lg, err := logger.New(cfg.LogLevel, "api")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	// Events from this process and from workers all travel through Redis; the relay
	// feeds them back into the local hub that serves SSE clients.
	hub := notify.NewHub(lg)
	events := notify.NewNotifier(notify.NewRedisPublisher(rdb), lg)
	relay := notify.NewRelay(rdb, hub, lg)
	go func() {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("event relay stopped", logger.Error(err))
		}
	}()

	src, err := fetcher.New(cfg)
	if err != nil {
		return err
	}
	svc := pipeline.NewService(st, src, dispatch.New(st, q, events, lg), events, lg)

	var sched *schedule.Scheduler
	if cfg.FetchTenantID != "" {
		sched, err = schedule.New(cfg.FetchSchedule, cfg.FetchTenantID, cfg.FetchUserID, svc, lg)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	server := api.New(api.Deps{
		Pipeline: svc,
		Ingestor: ingestion.NewService(st, events, lg),
		Tenants:  st,
		Queue:    q,
		Limiter:  ratelimit.NewFetchLimiter(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill),
		Hub:      hub,
		Logger:   lg,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(hub.Close)

	// The memory store is private to this process, so scoring runs here too.
	scoringDone := make(chan error, 1)
	if cfg.StoreDriver == "memory" {
		processor := workerproc.NewProcessor(cfg, q, st, scorer.New(cfg.ScorerWebhookURL, cfg.ScorerTimeout, lg), events, lg)
		go func() { scoringDone <- processor.Run(ctx) }()
	} else {
		scoringDone <- nil
	}

	errCh := make(chan error, 1)
	go func() {
		lg.Info("api listening", logger.String("addr", httpServer.Addr), logger.String("store", cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if sched != nil {
		sched.Stop(shutdownCtx)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", logger.Error(err))
	}
	if err := <-scoringDone; err != nil {
		lg.Warn("in-process scoring stopped", logger.Error(err))
	}
	lg.Info("api stopped")
	return nil
}
