// Package dispatch moves admitted jobs into the scoring queue.
package dispatch

import (
	"context"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/statemachine"
	"job-scoring-pipeline/internal/telemetry"
)

// StatusWriter is the store operation the dispatcher needs.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, tenantID, id string, from, to models.Status) (models.Job, error)
}

// Enqueuer accepts scoring tasks, ignoring ones that are already live.
type Enqueuer interface {
	Enqueue(ctx context.Context, task models.DispatchTask) (bool, error)
}

// Events receives status change notifications.
type Events interface {
	JobUpdated(ctx context.Context, job models.Job)
}

type Dispatcher struct {
	store  StatusWriter
	queue  Enqueuer
	events Events
	logger logger.Logger
}

func New(store StatusWriter, queue Enqueuer, events Events, log logger.Logger) *Dispatcher {
	return &Dispatcher{store: store, queue: queue, events: events, logger: log}
}

// Dispatch marks the job queued and enqueues its scoring task. The status is committed
// before the enqueue, so a failed enqueue leaves a queued job with no task and is
// reported as an *apperr.EnqueueError.
func (d *Dispatcher) Dispatch(ctx context.Context, job models.Job) (models.Job, error) {
	if err := statemachine.ValidateTransition(job.Status, models.StatusQueued); err != nil {
		return job, err
	}
	queued, err := d.store.UpdateStatus(ctx, job.TenantID, job.ID, job.Status, models.StatusQueued)
	if err != nil {
		return job, err
	}
	d.events.JobUpdated(ctx, queued)

	added, err := d.queue.Enqueue(ctx, models.NewDispatchTask(queued))
	if err != nil {
		d.logger.Error("enqueue failed after status commit",
			logger.String("job_id", queued.ID),
			logger.String("tenant_id", queued.TenantID),
			logger.Error(err),
		)
		return queued, &apperr.EnqueueError{JobID: queued.ID, Err: err}
	}
	if added {
		telemetry.EnqueueCounter.Inc()
	} else {
		telemetry.EnqueueDeduplicated.Inc()
		d.logger.Debug("scoring task already live", logger.String("job_id", queued.ID))
	}
	return queued, nil
}
