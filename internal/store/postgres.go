package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence of tenants, jobs and scoring history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = "id, title, description, url, score, reason, status, user_id, tenant_id, created_at, updated_at"

// CreateTenant inserts a tenant on the given plan.
func (s *Store) CreateTenant(ctx context.Context, name string, plan models.Plan) (models.Tenant, error) {
	if !plan.Valid() {
		return models.Tenant{}, apperr.Invalid("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	t := models.Tenant{ID: uuid.New().String(), Name: name, Plan: plan, CreatedAt: time.Now().UTC()}
	t.UpdatedAt = t.CreatedAt
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, plan, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)
	`, t.ID, t.Name, string(t.Plan), t.CreatedAt)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return t, nil
}

// GetTenant fetches a tenant by id.
func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Tenant{}, apperr.NotFound("tenant", id)
	}
	var t models.Tenant
	var plan string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, plan, created_at, updated_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.Name, &plan, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, apperr.NotFound("tenant", id)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	t.Plan = models.Plan(plan)
	return t, nil
}

// UpdateTenantPlan switches a tenant's plan.
func (s *Store) UpdateTenantPlan(ctx context.Context, id string, plan models.Plan) (models.Tenant, error) {
	if !plan.Valid() {
		return models.Tenant{}, apperr.Invalid("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET plan = $2, updated_at = NOW() WHERE id = $1`, id, string(plan))
	if err != nil {
		return models.Tenant{}, fmt.Errorf("update tenant plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Tenant{}, apperr.NotFound("tenant", id)
	}
	return s.GetTenant(ctx, id)
}

// CountJobs returns the tenant's live job count, the derived quota counter.
func (s *Store) CountJobs(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE tenant_id = $1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CreateJob inserts a job in the given status. When the tenant already holds a job
// for the same URL the existing job is returned with created=false.
func (s *Store) CreateJob(ctx context.Context, tenantID, userID string, c models.Candidate, status models.Status) (models.Job, bool, error) {
	now := time.Now().UTC()
	id := uuid.New().String()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, title, description, url, status, user_id, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (tenant_id, url) DO NOTHING
	`, id, c.Title, c.Description, c.URL, string(status), userID, tenantID, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.scanJob(s.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND url = $2`, tenantID, c.URL))
		if err != nil {
			return models.Job{}, false, fmt.Errorf("load existing job: %w", err)
		}
		return existing, false, nil
	}
	return models.Job{
		ID:          id,
		Title:       c.Title,
		Description: c.Description,
		URL:         c.URL,
		Status:      status,
		UserID:      userID,
		TenantID:    tenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, true, nil
}

// GetJob fetches a job by id without any ownership check.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, apperr.NotFound("job", id)
	}
	job, err := s.scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job", id)
	}
	return job, err
}

// UpdateStatus moves a job from one status to another. The write only applies while the
// job still holds `from`, so a concurrent writer surfaces as a StateTransitionError.
func (s *Store) UpdateStatus(ctx context.Context, tenantID, id string, from, to models.Status) (models.Job, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $4, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $3
		RETURNING `+jobColumns, id, tenantID, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, s.explainMiss(ctx, tenantID, id, to)
	}
	return job, err
}

// ScoreJob records a scoring result: the job moves queued→scored with its score and
// reason, and one history row is appended, in a single transaction. A job that is no
// longer queued is rejected with a StateTransitionError and nothing is written.
func (s *Store) ScoreJob(ctx context.Context, tenantID, id string, score int, reason string) (models.Job, models.ScoringHistory, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Job{}, models.ScoringHistory{}, fmt.Errorf("begin score tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	job, err := s.scanJob(tx.QueryRow(ctx, `
		UPDATE jobs SET score = $3, reason = $4, status = $5, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = $6
		RETURNING `+jobColumns, id, tenantID, score, reason, string(models.StatusScored), string(models.StatusQueued)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ScoringHistory{}, s.explainMiss(ctx, tenantID, id, models.StatusScored)
	}
	if err != nil {
		return models.Job{}, models.ScoringHistory{}, err
	}

	h := models.ScoringHistory{
		ID:        uuid.New().String(),
		JobID:     id,
		Score:     score,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO scoring_history (id, job_id, score, reason, created_at) VALUES ($1, $2, $3, $4, $5)
	`, h.ID, h.JobID, h.Score, h.Reason, h.CreatedAt); err != nil {
		return models.Job{}, models.ScoringHistory{}, fmt.Errorf("insert scoring history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, models.ScoringHistory{}, fmt.Errorf("commit score tx: %w", err)
	}
	return job, h, nil
}

// ForceRequeue puts a job back to new regardless of its current status. It is the only
// status write that skips the transition table and is reserved for retry exhaustion.
func (s *Store) ForceRequeue(ctx context.Context, tenantID, id string) (models.Job, error) {
	job, err := s.scanJob(s.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $3, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+jobColumns, id, tenantID, string(models.StatusNew)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, apperr.NotFound("job", id)
	}
	return job, err
}

// ListByStatus returns a tenant's jobs in one status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, tenantID string, status models.Status) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE tenant_id = $1 AND status = $2 ORDER BY created_at ASC
	`, tenantID, string(status))
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	return s.collectJobs(rows)
}

// ListHistory returns a job's scoring history, newest first, scoped to the tenant.
func (s *Store) ListHistory(ctx context.Context, tenantID, jobID string) ([]models.ScoringHistory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT h.id, h.job_id, h.score, h.reason, h.created_at
		FROM scoring_history h JOIN jobs j ON j.id = h.job_id
		WHERE h.job_id = $1 AND j.tenant_id = $2
		ORDER BY h.created_at DESC
	`, jobID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query scoring history: %w", err)
	}
	defer rows.Close()

	var out []models.ScoringHistory
	for rows.Next() {
		var h models.ScoringHistory
		if err := rows.Scan(&h.ID, &h.JobID, &h.Score, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scoring history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// explainMiss turns a conditional update that matched no row into the right error.
func (s *Store) explainMiss(ctx context.Context, tenantID, id string, to models.Status) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if current.TenantID != tenantID {
		return apperr.NotFound("job", id)
	}
	return &apperr.StateTransitionError{From: string(current.Status), To: string(to)}
}

func (s *Store) scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var score pgtype.Int4
	var reason pgtype.Text
	var status string
	if err := row.Scan(&job.ID, &job.Title, &job.Description, &job.URL, &score, &reason, &status,
		&job.UserID, &job.TenantID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Status = models.Status(status)
	if score.Valid {
		v := int(score.Int32)
		job.Score = &v
	}
	job.Reason = textPtr(reason)
	return job, nil
}

func (s *Store) collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	var out []models.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
