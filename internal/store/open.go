package store

import (
	"context"
	"fmt"

	"job-scoring-pipeline/internal/config"
	"job-scoring-pipeline/internal/models"
	"job-scoring-pipeline/internal/store/memory"
)

// Backend is the full persistence contract shared by the Postgres and in-memory stores.
type Backend interface {
	CreateTenant(ctx context.Context, name string, plan models.Plan) (models.Tenant, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	UpdateTenantPlan(ctx context.Context, id string, plan models.Plan) (models.Tenant, error)
	CountJobs(ctx context.Context, tenantID string) (int, error)
	CreateJob(ctx context.Context, tenantID, userID string, c models.Candidate, status models.Status) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	UpdateStatus(ctx context.Context, tenantID, id string, from, to models.Status) (models.Job, error)
	ScoreJob(ctx context.Context, tenantID, id string, score int, reason string) (models.Job, models.ScoringHistory, error)
	ForceRequeue(ctx context.Context, tenantID, id string) (models.Job, error)
	ListByStatus(ctx context.Context, tenantID string, status models.Status) ([]models.Job, error)
	ListJobs(ctx context.Context, tenantID string, f models.JobFilter) ([]models.Job, error)
	CountJobsFiltered(ctx context.Context, tenantID string, f models.JobFilter) (int, error)
	ListHistory(ctx context.Context, tenantID, jobID string) ([]models.ScoringHistory, error)
	RunMigrations(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*memory.Store)(nil)
)

// Open connects the driver named by STORE_DRIVER and applies migrations.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	var b Backend
	switch cfg.StoreDriver {
	case "memory":
		b = memory.New()
	case "postgres", "":
		st, err := New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b = st
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if err := b.RunMigrations(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return b, nil
}
