// Package ingestion applies asynchronous scoring results delivered by the scorer.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/statemachine"
	"job-scoring-pipeline/internal/telemetry"
)

// Payload is the scorer's callback body.
type Payload struct {
	JobID    string `json:"jobId" validate:"required,uuid"`
	Score    int    `json:"score" validate:"min=1,max=10"`
	Reason   string `json:"reason" validate:"required"`
	TenantID string `json:"tenantId,omitempty" validate:"omitempty,uuid"`
}

// Validate checks the payload against its struct tags and reports the first bad field.
func (p Payload) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return apperr.Invalid(jsonName(fe.Field()), describe(fe))
	}
	return apperr.Invalid("", err.Error())
}

var validate = validator.New()

// JobStore is the slice of the job store ingestion needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	ScoreJob(ctx context.Context, tenantID, id string, score int, reason string) (models.Job, models.ScoringHistory, error)
}

// Events receives the notifications a scoring result produces.
type Events interface {
	JobUpdated(ctx context.Context, job models.Job)
	JobScored(ctx context.Context, job models.Job)
}

type Service struct {
	store  JobStore
	events Events
	logger logger.Logger
}

func NewService(store JobStore, events Events, log logger.Logger) *Service {
	return &Service{store: store, events: events, logger: log}
}

// Ingest validates a scoring result and applies it. Rejected payloads leave the job
// and its history untouched.
func (s *Service) Ingest(ctx context.Context, p Payload) (models.Job, error) {
	job, err := s.ingest(ctx, p)
	if err != nil {
		telemetry.ScoresRejected.WithLabelValues(rejectReason(err)).Inc()
		s.logger.Warn("scoring result rejected", logger.String("job_id", p.JobID), logger.Error(err))
		return models.Job{}, err
	}
	telemetry.ScoresAccepted.Inc()
	s.logger.Info("scoring result applied",
		logger.String("job_id", job.ID),
		logger.String("tenant_id", job.TenantID),
		logger.Int("score", p.Score),
	)
	return job, nil
}

func (s *Service) ingest(ctx context.Context, p Payload) (models.Job, error) {
	if err := p.Validate(); err != nil {
		return models.Job{}, err
	}
	job, err := s.store.GetJob(ctx, p.JobID)
	if err != nil {
		return models.Job{}, err
	}
	tenantID := p.TenantID
	if tenantID == "" {
		tenantID = job.TenantID
	}
	if tenantID != job.TenantID {
		return models.Job{}, apperr.NotFound("job", p.JobID)
	}
	if err := statemachine.ValidateTransition(job.Status, models.StatusScored); err != nil {
		return models.Job{}, err
	}

	scored, _, err := s.store.ScoreJob(ctx, tenantID, job.ID, p.Score, p.Reason)
	if err != nil {
		return models.Job{}, fmt.Errorf("record score: %w", err)
	}
	s.events.JobUpdated(ctx, scored)
	s.events.JobScored(ctx, scored)
	return scored, nil
}

func rejectReason(err error) string {
	var (
		validation *apperr.ValidationError
		transition *apperr.StateTransitionError
		notFound   *apperr.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &transition):
		return "state"
	case errors.As(err, &notFound):
		return "not_found"
	default:
		return "internal"
	}
}

func jsonName(field string) string {
	switch field {
	case "JobID":
		return "jobId"
	case "TenantID":
		return "tenantId"
	default:
		return strings.ToLower(field)
	}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "uuid":
		return "must be a UUID"
	case "min", "max":
		return "must be an integer between 1 and 10"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
