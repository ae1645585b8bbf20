// Package apperr defines the pipeline's error taxonomy and its mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ValidationError indicates a malformed payload or input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// StateTransitionError indicates an illegal status move.
type StateTransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *StateTransitionError) Error() string {
	allowed := "none"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("invalid state transition: cannot transition from '%s' to '%s' (allowed from '%s': %s)", e.From, e.To, e.From, allowed)
}

// NotFoundError indicates a missing job or tenant, or one outside the caller's tenant.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TransientDispatchError wraps a scorer failure that is worth retrying.
type TransientDispatchError struct {
	JobID string
	Err   error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("dispatch job %s: %v", e.JobID, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// FatalDispatchError reports a task whose retry ceiling was exhausted.
type FatalDispatchError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *FatalDispatchError) Error() string {
	return fmt.Sprintf("dispatch job %s abandoned after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *FatalDispatchError) Unwrap() error { return e.Err }

// EnqueueError reports a job whose status was advanced to queued but whose task could not be enqueued.
type EnqueueError struct {
	JobID string
	Err   error
}

func (e *EnqueueError) Error() string {
	return fmt.Sprintf("enqueue job %s: %v", e.JobID, e.Err)
}

func (e *EnqueueError) Unwrap() error { return e.Err }

// NotFound is a shorthand constructor.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Invalid is a shorthand constructor.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsRetryable reports whether err should be retried by the worker.
func IsRetryable(err error) bool {
	var transient *TransientDispatchError
	return errors.As(err, &transient)
}

// HTTPStatus returns the appropriate HTTP status code for an error.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		transition *StateTransitionError
		notFound   *NotFoundError
		transient  *TransientDispatchError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &transition):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &transient):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
