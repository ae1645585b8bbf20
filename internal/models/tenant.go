package models

import "time"

// Plan is a tenant's subscription tier.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

var planCeilings = map[Plan]int{
	PlanFree: 50,
	PlanPro:  1000,
}

// Ceiling returns the job quota for the plan. A nil result means unbounded.
func (p Plan) Ceiling() *int {
	if c, ok := planCeilings[p]; ok {
		return &c
	}
	return nil
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Upgrades reports whether moving from p to next raises the job ceiling.
func (p Plan) Upgrades(next Plan) bool {
	cur, nxt := p.Ceiling(), next.Ceiling()
	switch {
	case cur == nil:
		return false
	case nxt == nil:
		return true
	default:
		return *nxt > *cur
	}
}

// Tenant is a billing and isolation unit.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Plan      Plan      `json:"plan"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PlanLimit is the admission view of a tenant's quota.
type PlanLimit struct {
	Allowed      bool `json:"allowed"`
	CurrentCount int  `json:"currentCount"`
	Limit        *int `json:"limit"`
}
