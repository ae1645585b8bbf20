// Package statemachine holds the job status transition table. Every status write
// except store.ForceRequeue goes through ValidateTransition first.
package statemachine

import (
	"job-scoring-pipeline/internal/apperr"
	"job-scoring-pipeline/internal/models"
)

type edge struct {
	from models.Status
	to   models.Status
}

var allowed = []edge{
	{models.StatusNew, models.StatusQueued},
	{models.StatusNew, models.StatusPendingUpgrade},
	{models.StatusPendingUpgrade, models.StatusQueued},
	{models.StatusQueued, models.StatusScored},
	{models.StatusScored, models.StatusArchived},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to models.Status) bool {
	for _, e := range allowed {
		if e.from == from && e.to == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *apperr.StateTransitionError when from -> to is not allowed.
func ValidateTransition(from, to models.Status) error {
	if CanTransition(from, to) {
		return nil
	}
	targets := AllowedFrom(from)
	names := make([]string, 0, len(targets))
	for _, s := range targets {
		names = append(names, string(s))
	}
	return &apperr.StateTransitionError{From: string(from), To: string(to), Allowed: names}
}

// AllowedFrom lists the statuses reachable from s.
func AllowedFrom(s models.Status) []models.Status {
	var out []models.Status
	for _, e := range allowed {
		if e.from == s {
			out = append(out, e.to)
		}
	}
	return out
}

// AllowedTo lists the statuses that may move into s.
func AllowedTo(s models.Status) []models.Status {
	var out []models.Status
	for _, e := range allowed {
		if e.to == s {
			out = append(out, e.from)
		}
	}
	return out
}

// IsValid reports whether s is a known status.
func IsValid(s string) bool {
	for _, known := range models.Statuses {
		if string(known) == s {
			return true
		}
	}
	return false
}
