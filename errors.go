package backfill

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrValidation marks a request rejected before anything was persisted.
	ErrValidation = errors.New("validation failed")
	// ErrConflict is returned when another job is already active.
	ErrConflict = errors.New("cannot create new job - one is already running")
	// ErrNotFound is returned by stores for updates to unknown jobs.
	ErrNotFound = errors.New("job not found")
	// ErrStatusChanged is returned by stores when a conditional update finds
	// the job in a status it did not expect.
	ErrStatusChanged = errors.New("job status changed")
	// ErrCollaboratorUnavailable marks a structural outage of an external
	// service. Item failures wrapping it abort the whole job.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)

// ValidationError describes a bad field in a request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func newValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a failure of the JobStore.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ItemError is a failure of one work item's collaborator call.
type ItemError struct {
	ItemID    string
	Retryable bool
	Err       error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s: %v", e.ItemID, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Structural reports whether the failure means the collaborator is down as a whole.
func (e *ItemError) Structural() bool {
	return errors.Is(e.Err, ErrCollaboratorUnavailable)
}

// RetryableError lets collaborators flag transient failures.
type RetryableError interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return errors.Is(err, ErrCollaboratorUnavailable)
}
