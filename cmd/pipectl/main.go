// Package main implements pipectl, the operator CLI for the job scoring pipeline.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/dispatch"
	"job-scoring-pipeline/internal/fetcher"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/notify"
	"job-scoring-pipeline/internal/pipeline"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:           "pipectl",
	Short:         "Operate the job scoring pipeline",
	Long:          "pipectl runs pipeline operations against the services' Redis and store, using the same configuration.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var tenantID string

func init() {
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "", "Tenant ID to operate on")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env holds the resources a command opened. close releases them in reverse order.
type env struct {
	cfg     config.Config
	log     logger.Logger
	store   store.Backend
	redis   *redis.Client
	queue   *queue.RedisQueue
	service *pipeline.Service
}

func openEnv(ctx context.Context) (*env, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	lg, err := logger.New(cfg.LogLevel, "pipectl")
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rdb := queue.NewClient(cfg)
	q := queue.NewRedisQueue(rdb, cfg)
	src, err := fetcher.New(cfg)
	if err != nil {
		st.Close()
		_ = rdb.Close()
		return nil, err
	}
	events := notify.NewNotifier(notify.NewRedisPublisher(rdb), lg)
	svc := pipeline.NewService(st, src, dispatch.New(st, q, events, lg), events, lg)
	return &env{cfg: cfg, log: lg, store: st, redis: rdb, queue: q, service: svc}, nil
}

func (e *env) close() {
	_ = e.redis.Close()
	e.store.Close()
	_ = e.log.Sync()
}

func requireTenant() error {
	if tenantID == "" {
		return errors.New("--tenant is required")
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
