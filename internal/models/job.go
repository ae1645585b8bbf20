package models

import (
	"time"
)

// Status enumerates job lifecycle states persisted in Postgres.
type Status string

const (
	StatusNew            Status = "new"
	StatusPendingUpgrade Status = "pending_upgrade"
	StatusQueued         Status = "queued"
	StatusScored         Status = "scored"
	StatusArchived       Status = "archived"
)

// Statuses lists every known status in lifecycle order.
var Statuses = []Status{StatusNew, StatusPendingUpgrade, StatusQueued, StatusScored, StatusArchived}

// Job is a fetched posting owned by a tenant.
type Job struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Score       *int      `json:"score,omitempty"`
	Reason      *string   `json:"reason,omitempty"`
	Status      Status    `json:"status"`
	UserID      string    `json:"userId"`
	TenantID    string    `json:"tenantId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Candidate is a posting yielded by a job source before it is persisted.
type Candidate struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// ScoringHistory is an append-only record of one scoring result.
type ScoringHistory struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobFilter narrows job listings. Zero values mean "no constraint".
type JobFilter struct {
	UserID    string
	Statuses  []Status
	MinScore  *int
	MaxScore  *int
	StartDate *time.Time
	EndDate   *time.Time
	Search    string
	Skip      int
	Take      int
}

// FetchResult summarises a fetch-and-process run. Partial success is normal.
type FetchResult struct {
	Fetched        int      `json:"fetched"`
	Saved          int      `json:"saved"`
	Queued         int      `json:"queued"`
	PendingUpgrade int      `json:"pendingUpgrade"`
	Duplicates     int      `json:"duplicates"`
	Errors         []string `json:"errors"`
}
