// Package notify fans job state changes out to the clients of the owning tenant.
//
// Any process publishes events to the Redis channel jobs:tenant:<tenantId>. The API
// process relays that channel into an in-process Hub, and the Hub feeds SSE streams
// filtered by tenant.
package notify

import (
	"context"
	"encoding/json"
	"time"
)

// EventType names an event on the wire.
type EventType string

const (
	EventJobsCreated EventType = "jobs_created"
	EventJobUpdated  EventType = "job_updated"
	EventJobScored   EventType = "job_scored"
)

const channelPrefix = "jobs:tenant:"

// Channel returns the pub/sub channel for a tenant.
func Channel(tenantID string) string {
	return channelPrefix + tenantID
}

// Event is one notification, always stamped with its tenant.
type Event struct {
	Type     EventType       `json:"type"`
	TenantID string          `json:"tenantId"`
	Data     json.RawMessage `json:"data"`
}

// JobsCreated summarises one fetch run.
type JobsCreated struct {
	Count          int       `json:"count"`
	Queued         int       `json:"queued"`
	PendingUpgrade int       `json:"pendingUpgrade"`
	Timestamp      time.Time `json:"timestamp"`
}

// JobUpdated reports a status change.
type JobUpdated struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Score     *int      `json:"score"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobScored reports an accepted scoring result.
type JobScored struct {
	JobID     string    `json:"jobId"`
	Score     int       `json:"score"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Publisher delivers an event to wherever subscribers listen.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func newEvent(t EventType, tenantID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, TenantID: tenantID, Data: raw}, nil
}
