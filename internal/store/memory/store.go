// Package memory is an in-process store with the same contract as the Postgres store.
// It backs unit tests and STORE_DRIVER=memory development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/models"
)

type jobRecord struct {
	job models.Job
	seq int
}

// Store is safe for concurrent access.
type Store struct {
	mu sync.RWMutex

	tenants map[string]models.Tenant
	jobs    map[string]*jobRecord
	history map[string][]models.ScoringHistory // key: job id
	seq     int
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tenants: make(map[string]models.Tenant),
		jobs:    make(map[string]*jobRecord),
		history: make(map[string][]models.ScoringHistory),
	}
}

// RunMigrations is a no-op for the memory store.
func (m *Store) RunMigrations(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() {}

// ──────────────────────────────────────────────────
// Tenants
// ──────────────────────────────────────────────────

func (m *Store) CreateTenant(_ context.Context, name string, plan models.Plan) (models.Tenant, error) {
	if !plan.Valid() {
		return models.Tenant{}, apperr.Invalid("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	now := time.Now().UTC()
	t := models.Tenant{ID: uuid.New().String(), Name: name, Plan: plan, CreatedAt: now, UpdatedAt: now}

	m.mu.Lock()
	m.tenants[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

func (m *Store) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return models.Tenant{}, apperr.NotFound("tenant", id)
	}
	return t, nil
}

func (m *Store) UpdateTenantPlan(_ context.Context, id string, plan models.Plan) (models.Tenant, error) {
	if !plan.Valid() {
		return models.Tenant{}, apperr.Invalid("plan", fmt.Sprintf("unknown plan %q", plan))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return models.Tenant{}, apperr.NotFound("tenant", id)
	}
	t.Plan = plan
	t.UpdatedAt = time.Now().UTC()
	m.tenants[id] = t
	return t, nil
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

func (m *Store) CountJobs(_ context.Context, tenantID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.jobs {
		if r.job.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// CreateJob returns the existing job with created=false when the tenant already
// holds a job for the same URL.
func (m *Store) CreateJob(_ context.Context, tenantID, userID string, c models.Candidate, status models.Status) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.jobs {
		if r.job.TenantID == tenantID && r.job.URL == c.URL {
			return r.job, false, nil
		}
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:          uuid.New().String(),
		Title:       c.Title,
		Description: c.Description,
		URL:         c.URL,
		Status:      status,
		UserID:      userID,
		TenantID:    tenantID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.seq++
	m.jobs[job.ID] = &jobRecord{job: job, seq: m.seq}
	return job, true, nil
}

func (m *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.jobs[id]
	if !ok {
		return models.Job{}, apperr.NotFound("job", id)
	}
	return r.job, nil
}

func (m *Store) UpdateStatus(_ context.Context, tenantID, id string, from, to models.Status) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(tenantID, id)
	if err != nil {
		return models.Job{}, err
	}
	if r.job.Status != from {
		return models.Job{}, &apperr.StateTransitionError{From: string(r.job.Status), To: string(to)}
	}
	r.job.Status = to
	r.job.UpdatedAt = time.Now().UTC()
	return r.job, nil
}

// ScoreJob moves a queued job to scored and appends its history row atomically.
func (m *Store) ScoreJob(_ context.Context, tenantID, id string, score int, reason string) (models.Job, models.ScoringHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(tenantID, id)
	if err != nil {
		return models.Job{}, models.ScoringHistory{}, err
	}
	if r.job.Status != models.StatusQueued {
		return models.Job{}, models.ScoringHistory{}, &apperr.StateTransitionError{From: string(r.job.Status), To: string(models.StatusScored)}
	}
	now := time.Now().UTC()
	r.job.Score = &score
	r.job.Reason = &reason
	r.job.Status = models.StatusScored
	r.job.UpdatedAt = now

	h := models.ScoringHistory{
		ID:        uuid.New().String(),
		JobID:     id,
		Score:     score,
		Reason:    reason,
		CreatedAt: now,
	}
	m.history[id] = append(m.history[id], h)
	return r.job, h, nil
}

func (m *Store) ForceRequeue(_ context.Context, tenantID, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.owned(tenantID, id)
	if err != nil {
		return models.Job{}, err
	}
	r.job.Status = models.StatusNew
	r.job.UpdatedAt = time.Now().UTC()
	return r.job, nil
}

// ListByStatus returns jobs oldest first.
func (m *Store) ListByStatus(_ context.Context, tenantID string, status models.Status) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recs []*jobRecord
	for _, r := range m.jobs {
		if r.job.TenantID == tenantID && r.job.Status == status {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	return unwrap(recs), nil
}

// ListJobs applies the filter and pages the result newest first.
func (m *Store) ListJobs(_ context.Context, tenantID string, f models.JobFilter) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.filter(tenantID, f)
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	take := f.Take
	if take <= 0 {
		take = 50
	}
	skip := f.Skip
	if skip < 0 {
		skip = 0
	}
	if skip >= len(recs) {
		return nil, nil
	}
	end := skip + take
	if end > len(recs) {
		end = len(recs)
	}
	return unwrap(recs[skip:end]), nil
}

func (m *Store) CountJobsFiltered(_ context.Context, tenantID string, f models.JobFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.filter(tenantID, f)), nil
}

// ──────────────────────────────────────────────────
// Scoring history
// ──────────────────────────────────────────────────

// ListHistory returns entries newest first.
func (m *Store) ListHistory(_ context.Context, tenantID, jobID string) ([]models.ScoringHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, err := m.owned(tenantID, jobID); err != nil {
		return nil, nil
	}
	entries := m.history[jobID]
	out := make([]models.ScoringHistory, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}

// owned must be called with the lock held.
func (m *Store) owned(tenantID, id string) (*jobRecord, error) {
	r, ok := m.jobs[id]
	if !ok || r.job.TenantID != tenantID {
		return nil, apperr.NotFound("job", id)
	}
	return r, nil
}

func (m *Store) filter(tenantID string, f models.JobFilter) []*jobRecord {
	var out []*jobRecord
	search := strings.ToLower(f.Search)
	for _, r := range m.jobs {
		j := r.job
		if j.TenantID != tenantID {
			continue
		}
		if f.UserID != "" && j.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, j.Status) {
			continue
		}
		if f.MinScore != nil && (j.Score == nil || *j.Score < *f.MinScore) {
			continue
		}
		if f.MaxScore != nil && (j.Score == nil || *j.Score > *f.MaxScore) {
			continue
		}
		if f.StartDate != nil && j.CreatedAt.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && j.CreatedAt.After(*f.EndDate) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(j.Title), search) &&
			!strings.Contains(strings.ToLower(j.Description), search) &&
			!strings.Contains(strings.ToLower(j.URL), search) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func containsStatus(set []models.Status, s models.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func unwrap(recs []*jobRecord) []models.Job {
	out := make([]models.Job, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.job)
	}
	return out
}
