// Package admission decides how much of a fetched batch fits under a tenant's plan ceiling.
package admission

import (
	"context"
	"fmt"

	"job-scoring-pipeline/internal/models"
)

// Decision partitions a candidate batch. Admit followed by Defer preserves batch order.
type Decision struct {
	Admit []models.Candidate
	Defer []models.Candidate
}

// Split admits the first min(N, max(0, ceiling-usage)) candidates and defers the rest.
// A nil ceiling admits everything.
func Split(batch []models.Candidate, usage int, ceiling *int) Decision {
	if ceiling == nil {
		return Decision{Admit: batch}
	}
	room := *ceiling - usage
	if room < 0 {
		room = 0
	}
	if room > len(batch) {
		room = len(batch)
	}
	return Decision{Admit: batch[:room:room], Defer: batch[room:]}
}

// TenantReader is the slice of the job store the controller reads.
type TenantReader interface {
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	CountJobs(ctx context.Context, tenantID string) (int, error)
}

// Controller answers plan-limit queries. Quota outcomes are returned as data.
type Controller struct {
	store TenantReader
}

func NewController(store TenantReader) *Controller {
	return &Controller{store: store}
}

// CheckPlanLimit reads the tenant's plan and live job count once. The snapshot is not
// locked, so two concurrent admissions can each see the same headroom.
func (c *Controller) CheckPlanLimit(ctx context.Context, tenantID string) (models.PlanLimit, error) {
	tenant, err := c.store.GetTenant(ctx, tenantID)
	if err != nil {
		return models.PlanLimit{}, err
	}
	count, err := c.store.CountJobs(ctx, tenantID)
	if err != nil {
		return models.PlanLimit{}, fmt.Errorf("count tenant jobs: %w", err)
	}
	limit := tenant.Plan.Ceiling()
	return models.PlanLimit{
		Allowed:      limit == nil || count < *limit,
		CurrentCount: count,
		Limit:        limit,
	}, nil
}
