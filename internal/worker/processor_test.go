package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/queue"
	"job-scoring-pipeline/internal/ratelimit"
	"job-scoring-pipeline/internal/store/memory"
)

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	max := 5 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(base, max, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, max, 2))
	assert.Equal(t, 5*time.Second, Backoff(base, max, 3), "capped")
	assert.Equal(t, 8*time.Second, Backoff(base, 0, 3), "no cap")
}

type fakeScorer struct {
	mu       sync.Mutex
	calls    int
	failures int // number of leading calls that fail
}

func (s *fakeScorer) Score(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return &apperr.TransientDispatchError{JobID: job.ID, Err: errors.New("scorer returned 503")}
	}
	return nil
}

func (s *fakeScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type scorerFunc func(ctx context.Context, job models.Job) error

func (f scorerFunc) Score(ctx context.Context, job models.Job) error { return f(ctx, job) }

type recordedEvents struct {
	mu      sync.Mutex
	updated []models.Job
}

func (r *recordedEvents) JobUpdated(_ context.Context, job models.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, job)
}

type fixture struct {
	client *redis.Client
	store  *memory.Store
	queue  *queue.RedisQueue
	scorer *fakeScorer
	events *recordedEvents
	proc   *Processor
	cfg    config.Config
}

func newFixture(t *testing.T, failures int, tweaks ...func(*config.Config)) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{
		VisibilityTimeout:   time.Minute,
		WorkerPollInterval:  10 * time.Millisecond,
		WorkerConcurrency:   2,
		WorkerRateLimit:     100,
		WorkerShutdownGrace: time.Second,
		MaxAttempts:         3,
		BackoffInitial:      time.Millisecond,
		BackoffMax:          10 * time.Millisecond,
		ScheduledBatchSize:  100,
	}
	for _, tweak := range tweaks {
		tweak(&cfg)
	}
	f := &fixture{
		client: client,
		store:  memory.New(),
		queue:  queue.NewRedisQueue(client, cfg),
		scorer: &fakeScorer{failures: failures},
		events: &recordedEvents{},
		cfg:    cfg,
	}
	f.proc = NewProcessor(cfg, f.queue, f.store, f.scorer, f.events, logger.NewNop())
	return f
}

func (f *fixture) seed(t *testing.T, status models.Status) models.Job {
	t.Helper()
	ctx := context.Background()
	tenant, err := f.store.CreateTenant(ctx, "acme", models.PlanPro)
	require.NoError(t, err)
	job, _, err := f.store.CreateJob(ctx, tenant.ID, "u-1", models.Candidate{
		Title: "Go engineer", Description: "Queues", URL: "https://example.com/go",
	}, status)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, models.NewDispatchTask(job))
	require.NoError(t, err)
	return job
}

// next leases the next task, promoting scheduled retries as if they were due.
func (f *fixture) next(t *testing.T) models.DispatchTask {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.PromoteScheduled(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	task, err := f.queue.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	return *task
}

func TestThreeFailuresRevertJobAndAbandonTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	job := f.seed(t, models.StatusQueued)

	for attempt := 1; attempt <= 3; attempt++ {
		task := f.next(t)
		assert.Equal(t, attempt-1, task.Attempts)
		f.proc.process(ctx, task)
	}

	assert.Equal(t, 3, f.scorer.Calls())
	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNew, stored.Status)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Abandoned: 1}, stats, "task is not requeued")

	records, err := f.queue.AbandonedPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, job.ID, records[0].JobID)
	assert.Equal(t, 3, records[0].Attempts)

	require.NotEmpty(t, f.events.updated)
	assert.Equal(t, models.StatusNew, f.events.updated[len(f.events.updated)-1].Status)
}

func TestRetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	job := f.seed(t, models.StatusQueued)

	f.proc.process(ctx, f.next(t))
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)

	f.proc.process(ctx, f.next(t))
	stats, err = f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status, "worker never writes scored")
}

func TestNewJobSelfHealsToQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	job := f.seed(t, models.StatusNew)

	f.proc.process(ctx, f.next(t))

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
	assert.Equal(t, 1, f.scorer.Calls())
	require.Len(t, f.events.updated, 1)
	assert.Equal(t, models.StatusQueued, f.events.updated[0].Status)
}

func TestStaleTaskIsDroppedWithoutRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.seed(t, models.StatusScored)

	f.proc.process(ctx, f.next(t))

	assert.Equal(t, 0, f.scorer.Calls())
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestTenantMismatchIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	job := f.seed(t, models.StatusQueued)

	task := f.next(t)
	task.TenantID = "another-tenant"
	f.proc.process(ctx, task)

	assert.Equal(t, 0, f.scorer.Calls())
	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
}

func TestRunDrainsQueueWithRetries(t *testing.T) {
	f := newFixture(t, 2)
	f.seed(t, models.StatusQueued)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := f.queue.Stats(context.Background())
		return err == nil && f.scorer.Calls() == 3 && stats == queue.Stats{}
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}

func TestLeaseIsRenewedWhileScoring(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, func(cfg *config.Config) { cfg.VisibilityTimeout = 300 * time.Millisecond })
	job := f.seed(t, models.StatusQueued)

	var reclaimed []string
	slow := scorerFunc(func(ctx context.Context, _ models.Job) error {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			keys, err := f.queue.RequeueExpired(ctx, time.Now(), 10)
			if err != nil {
				return err
			}
			reclaimed = append(reclaimed, keys...)
			time.Sleep(25 * time.Millisecond)
		}
		return nil
	})
	proc := NewProcessor(f.cfg, f.queue, f.store, slow, f.events, logger.NewNop())

	proc.process(ctx, f.next(t))

	assert.Empty(t, reclaimed, "lease expired while the scorer was still running")
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	stored, err := f.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, stored.Status)
}

func TestFailureAfterOtherLeaseAckedDoesNotResurrectTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	job := f.seed(t, models.StatusQueued)

	task := f.next(t)
	require.NoError(t, f.queue.Ack(ctx, task.Key()))
	f.proc.process(ctx, task)

	assert.Equal(t, 1, f.scorer.Calls())
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)

	added, err := f.queue.Enqueue(ctx, models.NewDispatchTask(job))
	require.NoError(t, err)
	assert.True(t, added, "no leftover payload blocks the next enqueue")
}

func TestSharedLimiterCapsAllReplicas(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	tenant, err := f.store.CreateTenant(ctx, "acme", models.PlanPro)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		job, _, err := f.store.CreateJob(ctx, tenant.ID, "u-1", models.Candidate{
			Title: "Go engineer", Description: "Queues", URL: fmt.Sprintf("https://example.com/go/%d", i),
		}, models.StatusQueued)
		require.NoError(t, err)
		_, err = f.queue.Enqueue(ctx, models.NewDispatchTask(job))
		require.NoError(t, err)
	}

	// two replicas, each allowed 100/s locally, sharing a 10/s bucket with burst 10
	shared := ratelimit.NewScoringLimiter(f.client, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, shared.Wait(ctx, "scoring"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		proc := NewProcessor(f.cfg, f.queue, f.store, f.scorer, f.events, logger.NewNop(), WithSharedLimiter(shared))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = proc.Run(runCtx)
		}()
	}

	require.Eventually(t, func() bool { return f.scorer.Calls() == 6 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond, "six tokens at 10/s from an empty bucket")
	cancel()
	wg.Wait()
}
