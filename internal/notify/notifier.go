package notify

import (
	"context"
	"time"

	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/telemetry"
)

// Notifier emits the pipeline's events. Emission is best-effort: a failed publish is
// logged and counted but never fails the operation that caused it.
type Notifier struct {
	pub    Publisher
	logger logger.Logger
}

func NewNotifier(pub Publisher, log logger.Logger) *Notifier {
	return &Notifier{pub: pub, logger: log}
}

func (n *Notifier) JobsCreated(ctx context.Context, tenantID string, res models.FetchResult) {
	n.emit(ctx, EventJobsCreated, tenantID, JobsCreated{
		Count:          res.Fetched,
		Queued:         res.Queued,
		PendingUpgrade: res.PendingUpgrade,
		Timestamp:      time.Now().UTC(),
	})
}

func (n *Notifier) JobUpdated(ctx context.Context, job models.Job) {
	n.emit(ctx, EventJobUpdated, job.TenantID, JobUpdated{
		JobID:     job.ID,
		Status:    string(job.Status),
		Score:     job.Score,
		UpdatedAt: job.UpdatedAt,
	})
}

func (n *Notifier) JobScored(ctx context.Context, job models.Job) {
	ev := JobScored{JobID: job.ID, Status: string(job.Status), UpdatedAt: job.UpdatedAt}
	if job.Score != nil {
		ev.Score = *job.Score
	}
	if job.Reason != nil {
		ev.Reason = *job.Reason
	}
	n.emit(ctx, EventJobScored, job.TenantID, ev)
}

func (n *Notifier) emit(ctx context.Context, t EventType, tenantID string, payload any) {
	ev, err := newEvent(t, tenantID, payload)
	if err == nil {
		err = n.pub.Publish(ctx, ev)
	}
	if err != nil {
		telemetry.NotifyPublishFailure.Inc()
		n.logger.Warn("event publish failed",
			logger.String("event_type", string(t)),
			logger.String("tenant_id", tenantID),
			logger.Error(err),
		)
	}
}
