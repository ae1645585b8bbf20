// Package pipeline ties fetching, admission and dispatch together and serves tenant-scoped
// job queries.
package pipeline

import (
	"context"
	"fmt"

	"job-scoring-pipeline/internal/admission"
	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/fetcher"
	"job-scoring-pipeline/internal/logger"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/statemachine"
	"job-scoring-pipeline/internal/telemetry"
)

// Store is the persistence surface the pipeline drives.
type Store interface {
	admission.TenantReader
	UpdateTenantPlan(ctx context.Context, id string, plan models.Plan) (models.Tenant, error)
	CreateJob(ctx context.Context, tenantID, userID string, c models.Candidate, status models.Status) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, tenantID, id string, from, to models.Status) (models.Job, error)
	ListByStatus(ctx context.Context, tenantID string, status models.Status) ([]models.Job, error)
	ListJobs(ctx context.Context, tenantID string, f models.JobFilter) ([]models.Job, error)
	CountJobsFiltered(ctx context.Context, tenantID string, f models.JobFilter) (int, error)
	ListHistory(ctx context.Context, tenantID, jobID string) ([]models.ScoringHistory, error)
}

// Dispatcher moves an admitted job into the scoring queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.Job) (models.Job, error)
}

// Events receives the notifications pipeline operations produce.
type Events interface {
	JobsCreated(ctx context.Context, tenantID string, res models.FetchResult)
	JobUpdated(ctx context.Context, job models.Job)
}

type Service struct {
	store      Store
	fetcher    fetcher.Fetcher
	admission  *admission.Controller
	dispatcher Dispatcher
	events     Events
	logger     logger.Logger
}

func NewService(store Store, f fetcher.Fetcher, dispatcher Dispatcher, events Events, log logger.Logger) *Service {
	return &Service{
		store:      store,
		fetcher:    f,
		admission:  admission.NewController(store),
		dispatcher: dispatcher,
		events:     events,
		logger:     log,
	}
}

// JobPage is one page of a filtered job listing plus the unpaged total.
type JobPage struct {
	Jobs  []models.Job `json:"jobs"`
	Total int          `json:"total"`
}

// FetchAndProcess pulls a batch from the fetcher, admits what fits under the tenant's
// ceiling and dispatches it, and parks the rest as pending_upgrade. Per-job failures are
// collected in the result; only fetch and plan lookup failures abort the run.
func (s *Service) FetchAndProcess(ctx context.Context, userID, tenantID string) (models.FetchResult, error) {
	res := models.FetchResult{Errors: []string{}}

	batch, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch postings: %w", err)
	}
	res.Fetched = len(batch)
	if len(batch) == 0 {
		return res, nil
	}

	limit, err := s.admission.CheckPlanLimit(ctx, tenantID)
	if err != nil {
		return res, err
	}
	decision := admission.Split(batch, limit.CurrentCount, limit.Limit)

	for _, c := range decision.Admit {
		job, created, err := s.store.CreateJob(ctx, tenantID, userID, c, models.StatusNew)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("save %q: %v", c.Title, err))
			continue
		}
		if !created {
			s.redispatch(ctx, job, &res)
			continue
		}
		res.Saved++
		if _, err := s.dispatcher.Dispatch(ctx, job); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("queue job %s: %v", job.ID, err))
			continue
		}
		res.Queued++
		telemetry.JobsAdmitted.Inc()
	}

	for _, c := range decision.Defer {
		job, created, err := s.store.CreateJob(ctx, tenantID, userID, c, models.StatusPendingUpgrade)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("save pending %q: %v", c.Title, err))
			continue
		}
		if !created {
			s.redispatch(ctx, job, &res)
			continue
		}
		res.PendingUpgrade++
		telemetry.JobsDeferred.Inc()
	}

	s.events.JobsCreated(ctx, tenantID, res)
	s.logger.Info("fetch processed",
		logger.String("tenant_id", tenantID),
		logger.Int("fetched", res.Fetched),
		logger.Int("queued", res.Queued),
		logger.Int("pending_upgrade", res.PendingUpgrade),
		logger.Int("duplicates", res.Duplicates),
		logger.Int("errors", len(res.Errors)),
	)
	return res, nil
}

// redispatch handles a candidate whose URL is already stored. A job left in new, which is
// where retry exhaustion puts it, is dispatched again; it already counts toward usage.
// Anything else is a duplicate.
func (s *Service) redispatch(ctx context.Context, job models.Job, res *models.FetchResult) {
	if job.Status != models.StatusNew {
		res.Duplicates++
		telemetry.JobsDuplicate.Inc()
		return
	}
	if _, err := s.dispatcher.Dispatch(ctx, job); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("requeue job %s: %v", job.ID, err))
		return
	}
	res.Queued++
	telemetry.JobsAdmitted.Inc()
}

// Requeue dispatches a job sitting in new, such as one whose scoring attempts ran out.
func (s *Service) Requeue(ctx context.Context, tenantID, jobID string) (models.Job, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.Status != models.StatusNew {
		return models.Job{}, &apperr.StateTransitionError{From: string(job.Status), To: string(models.StatusQueued)}
	}
	return s.dispatcher.Dispatch(ctx, job)
}

// ReadmitPending dispatches every pending_upgrade job of the tenant, oldest first, and
// returns how many reached the queue. The ceiling is not re-checked.
func (s *Service) ReadmitPending(ctx context.Context, tenantID string) (int, error) {
	if _, err := s.store.GetTenant(ctx, tenantID); err != nil {
		return 0, err
	}
	pending, err := s.store.ListByStatus(ctx, tenantID, models.StatusPendingUpgrade)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}

	readmitted := 0
	for _, job := range pending {
		if _, err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.logger.Warn("readmit failed",
				logger.String("job_id", job.ID),
				logger.String("tenant_id", tenantID),
				logger.Error(err),
			)
			continue
		}
		readmitted++
		telemetry.JobsAdmitted.Inc()
	}
	s.logger.Info("pending jobs readmitted",
		logger.String("tenant_id", tenantID),
		logger.Int("pending", len(pending)),
		logger.Int("readmitted", readmitted),
	)
	return readmitted, nil
}

// ChangePlan switches the tenant's plan. Moving to a plan with a higher ceiling readmits
// pending jobs; the returned count is zero otherwise.
func (s *Service) ChangePlan(ctx context.Context, tenantID string, plan models.Plan) (models.Tenant, int, error) {
	if !plan.Valid() {
		return models.Tenant{}, 0, apperr.Invalid("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	current, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return models.Tenant{}, 0, err
	}
	updated, err := s.store.UpdateTenantPlan(ctx, tenantID, plan)
	if err != nil {
		return models.Tenant{}, 0, err
	}
	if !current.Plan.Upgrades(plan) {
		return updated, 0, nil
	}
	n, err := s.ReadmitPending(ctx, tenantID)
	return updated, n, err
}

// PlanLimit reports the tenant's quota snapshot.
func (s *Service) PlanLimit(ctx context.Context, tenantID string) (models.PlanLimit, error) {
	return s.admission.CheckPlanLimit(ctx, tenantID)
}

// Archive moves a scored job to archived.
func (s *Service) Archive(ctx context.Context, tenantID, jobID string) (models.Job, error) {
	job, err := s.Get(ctx, tenantID, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if err := statemachine.ValidateTransition(job.Status, models.StatusArchived); err != nil {
		return models.Job{}, err
	}
	archived, err := s.store.UpdateStatus(ctx, tenantID, job.ID, job.Status, models.StatusArchived)
	if err != nil {
		return models.Job{}, err
	}
	s.events.JobUpdated(ctx, archived)
	return archived, nil
}

// Get returns the job if it belongs to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, jobID string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.TenantID != tenantID {
		return models.Job{}, apperr.NotFound("job", jobID)
	}
	return job, nil
}

// List returns a filtered page of the tenant's jobs, newest first.
func (s *Service) List(ctx context.Context, tenantID string, f models.JobFilter) (JobPage, error) {
	for _, st := range f.Statuses {
		if !statemachine.IsValid(string(st)) {
			return JobPage{}, apperr.Invalid("status", fmt.Sprintf("unknown status %q", st))
		}
	}
	if f.MinScore != nil && f.MaxScore != nil && *f.MinScore > *f.MaxScore {
		return JobPage{}, apperr.Invalid("minScore", "must not exceed maxScore")
	}
	jobs, err := s.store.ListJobs(ctx, tenantID, f)
	if err != nil {
		return JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	total, err := s.store.CountJobsFiltered(ctx, tenantID, f)
	if err != nil {
		return JobPage{}, fmt.Errorf("count jobs: %w", err)
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	return JobPage{Jobs: jobs, Total: total}, nil
}

// History returns the job's scoring history, newest first.
func (s *Service) History(ctx context.Context, tenantID, jobID string) ([]models.ScoringHistory, error) {
	if _, err := s.Get(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	history, err := s.store.ListHistory(ctx, tenantID, jobID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return history, nil
}
