package worker

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/statemachine"
	"job-scoring-pipeline/internal/telemetry"
)

const (
	reclaimBatch  = 100
	scoringBucket = "scoring"
)

// Queue is the consumer side of the scoring queue.
type Queue interface {
	DequeueWithLease(ctx context.Context) (*models.DispatchTask, error)
	ExtendLease(ctx context.Context, key string, extension time.Duration) error
	Ack(ctx context.Context, key string) error
	Retry(ctx context.Context, key string, attempts int, runAt time.Time) error
	Abandon(ctx context.Context, task models.DispatchTask, attempts int, cause error) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// JobStore is the slice of the job store the worker touches.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, tenantID, id string, from, to models.Status) (models.Job, error)
	ForceRequeue(ctx context.Context, tenantID, id string) (models.Job, error)
}

// Scorer hands a job to the external scoring service.
type Scorer interface {
	Score(ctx context.Context, job models.Job) error
}

// Events receives status change notifications.
type Events interface {
	JobUpdated(ctx context.Context, job models.Job)
}

// SharedLimiter is a token bucket shared by every worker replica.
type SharedLimiter interface {
	Wait(ctx context.Context, key string) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithSharedLimiter makes every lease wait on a fleet-wide bucket as well as the local limiter.
func WithSharedLimiter(l SharedLimiter) Option {
	return func(p *Processor) { p.shared = l }
}

// Processor runs a pool of scoring workers over the shared queue.
type Processor struct {
	cfg     config.Config
	queue   Queue
	store   JobStore
	scorer  Scorer
	events  Events
	limiter *rate.Limiter
	shared  SharedLimiter
	logger  logger.Logger
}

func NewProcessor(cfg config.Config, q Queue, st JobStore, sc Scorer, events Events, log logger.Logger, opts ...Option) *Processor {
	limit := rate.Inf
	burst := 1
	if cfg.WorkerRateLimit > 0 {
		limit = rate.Limit(cfg.WorkerRateLimit)
		if b := int(cfg.WorkerRateLimit); b > 1 {
			burst = b
		}
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	p := &Processor{
		cfg:     cfg,
		queue:   q,
		store:   st,
		scorer:  sc,
		events:  events,
		limiter: rate.NewLimiter(limit, burst),
		logger:  log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the pool and blocks until ctx is cancelled. Leasing stops immediately;
// tasks already in flight get WorkerShutdownGrace to finish before their context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.cfg.WorkerShutdownGrace, cancelWork)
	})
	defer stop()

	p.logger.Info("scoring workers starting",
		logger.Int("concurrency", p.cfg.WorkerConcurrency),
		logger.Float64("rate_per_sec", p.cfg.WorkerRateLimit),
		logger.Int("max_attempts", p.cfg.MaxAttempts),
	)

	var g errgroup.Group
	g.Go(func() error {
		p.maintain(ctx)
		return nil
	})
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			p.loop(ctx, workCtx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("scoring workers stopped")
	return err
}

func (p *Processor) loop(ctx, workCtx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if p.shared != nil {
			if err := p.shared.Wait(ctx, scoringBucket); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.logger.Warn("shared rate limit unavailable", logger.Error(err))
				sleep(ctx, p.cfg.WorkerPollInterval)
				continue
			}
		}
		task, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue failed", logger.Error(err))
			}
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if task == nil {
			sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(workCtx, *task)
	}
}

// maintain promotes due retries, reclaims expired leases and samples queue depth.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
			p.logger.Warn("promote scheduled failed", logger.Error(err))
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, reclaimBatch); err == nil && len(reclaimed) > 0 {
			p.logger.Warn("reclaimed expired leases", logger.Int("count", len(reclaimed)))
		}
		if stats, err := p.queue.Stats(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(stats.Waiting))
		}
	}
}

// process runs validate, dispatch and acknowledge for one leased task.
func (p *Processor) process(ctx context.Context, task models.DispatchTask) {
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := p.logger.With(
		logger.String("job_id", task.JobID),
		logger.String("tenant_id", task.TenantID),
		logger.Int("attempt", task.Attempts+1),
	)

	job, err := p.validate(ctx, task)
	if err != nil {
		if isFatal(err) {
			log.Warn("dropping stale scoring task", logger.Error(err))
			if ackErr := p.queue.Ack(ctx, task.Key()); ackErr != nil {
				log.Error("ack failed", logger.Error(ackErr))
			}
			return
		}
		p.fail(ctx, task, &apperr.TransientDispatchError{JobID: task.JobID, Err: err}, log)
		return
	}

	stopRenew := p.renewLease(ctx, task.Key(), log)
	err = p.scorer.Score(ctx, job)
	stopRenew()
	if err != nil {
		p.fail(ctx, task, err, log)
		return
	}
	if err := p.queue.Ack(ctx, task.Key()); err != nil {
		log.Error("ack failed", logger.Error(err))
		return
	}
	telemetry.DispatchSuccess.Inc()
	log.Info("scoring task dispatched")
}

// renewLease keeps the task's lease alive while the scorer call is outstanding.
// The returned func stops renewal and waits for it to finish.
func (p *Processor) renewLease(ctx context.Context, key string, log logger.Logger) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, key, p.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
					log.Warn("lease renewal failed", logger.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// validate re-reads the job and makes sure it is still eligible for scoring.
// A job still in new is moved to queued first.
func (p *Processor) validate(ctx context.Context, task models.DispatchTask) (models.Job, error) {
	job, err := p.store.GetJob(ctx, task.JobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.TenantID != task.TenantID {
		return models.Job{}, apperr.NotFound("job", task.JobID)
	}
	switch job.Status {
	case models.StatusQueued:
		return job, nil
	case models.StatusNew:
		if err := statemachine.ValidateTransition(job.Status, models.StatusQueued); err != nil {
			return models.Job{}, err
		}
		queued, err := p.store.UpdateStatus(ctx, job.TenantID, job.ID, models.StatusNew, models.StatusQueued)
		if err != nil {
			return models.Job{}, err
		}
		p.events.JobUpdated(ctx, queued)
		return queued, nil
	default:
		return models.Job{}, &apperr.StateTransitionError{
			From: string(job.Status),
			To:   string(models.StatusQueued),
		}
	}
}

func (p *Processor) fail(ctx context.Context, task models.DispatchTask, cause error, log logger.Logger) {
	if ctx.Err() != nil {
		// shutting down; the lease expires and the task is reclaimed
		log.Warn("scoring interrupted by shutdown", logger.Error(cause))
		return
	}

	attempts := task.Attempts + 1
	if apperr.IsRetryable(cause) && attempts < p.cfg.MaxAttempts {
		delay := Backoff(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
		if err := p.queue.Retry(ctx, task.Key(), attempts, time.Now().Add(delay)); err != nil {
			if errors.Is(err, queue.ErrTaskGone) {
				log.Warn("task settled by another lease, retry skipped", logger.Error(cause))
				return
			}
			log.Error("schedule retry failed", logger.Error(err))
			return
		}
		telemetry.DispatchRetries.Inc()
		log.Warn("scoring dispatch failed, retry scheduled",
			logger.Duration("backoff", delay),
			logger.Error(cause),
		)
		return
	}

	fatal := &apperr.FatalDispatchError{JobID: task.JobID, Attempts: attempts, Err: cause}
	if job, err := p.store.ForceRequeue(ctx, task.TenantID, task.JobID); err != nil {
		log.Error("force requeue failed", logger.Error(err))
	} else {
		p.events.JobUpdated(ctx, job)
	}
	if err := p.queue.Abandon(ctx, task, attempts, cause); err != nil {
		log.Error("abandon failed", logger.Error(err))
	}
	telemetry.DispatchAbandoned.Inc()
	log.Error("scoring task abandoned, job reverted to new", logger.Error(fatal))
}

// Backoff is initial·2^(attempt-1), capped at max.
func Backoff(initial, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return initial
	}
	wait := initial
	for i := 1; i < attempt; i++ {
		wait *= 2
		if max > 0 && wait >= max {
			return max
		}
	}
	return wait
}

func isFatal(err error) bool {
	var (
		notFound   *apperr.NotFoundError
		transition *apperr.StateTransitionError
	)
	return errors.As(err, &notFound) || errors.As(err, &transition)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
