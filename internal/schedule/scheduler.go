// Package schedule runs the periodic fetch for a configured tenant.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
)

// Runner performs one fetch-and-process run.
type Runner interface {
	FetchAndProcess(ctx context.Context, userID, tenantID string) (models.FetchResult, error)
}

// standard 5-field expressions plus descriptors such as "@every 1h"
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	expr     string
	runner   Runner
	tenantID string
	userID   string
	timeout  time.Duration
	logger   logger.Logger
	ctx      context.Context
}

// New validates the cron expression and target. Runs that are still going when the next
// tick fires are not overlapped.
func New(expr, tenantID, userID string, runner Runner, log logger.Logger) (*Scheduler, error) {
	if tenantID == "" || userID == "" {
		return nil, errors.New("scheduled fetch needs a tenant and a user")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse fetch schedule %q: %w", expr, err)
	}
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		schedule: sched,
		expr:     expr,
		runner:   runner,
		tenantID: tenantID,
		userID:   userID,
		timeout:  5 * time.Minute,
		logger:   log,
		ctx:      context.Background(),
	}, nil
}

// Start registers the fetch and starts the cron loop. Runs use ctx as their parent.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.expr, func() { s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("register scheduled fetch: %w", err)
	}
	s.cron.Start()
	s.logger.Info("fetch scheduler started",
		logger.String("schedule", s.expr),
		logger.String("tenant_id", s.tenantID),
		logger.String("next_run", s.Next(time.Now()).Format(time.RFC3339)),
	)
	return nil
}

// Stop halts the cron loop and waits for a running fetch, up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduled fetch still running at shutdown")
	}
}

// Next returns the first run strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// RunOnce performs a single fetch. Failures are logged.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.runner.FetchAndProcess(ctx, s.userID, s.tenantID)
	if err != nil {
		s.logger.Error("scheduled fetch failed", logger.String("tenant_id", s.tenantID), logger.Error(err))
		return
	}
	s.logger.Info("scheduled fetch completed",
		logger.String("tenant_id", s.tenantID),
		logger.Int("fetched", res.Fetched),
		logger.Int("queued", res.Queued),
		logger.Int("pending_upgrade", res.PendingUpgrade),
		logger.Int("errors", len(res.Errors)),
		logger.Duration("took", time.Since(start)),
	)
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("cron: "+msg, logger.Any("details", keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("cron: "+msg, logger.Error(err), logger.Any("details", keysAndValues))
}
