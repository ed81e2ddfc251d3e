package facts

import (
	"errors"
	"fmt"
	"time"
)

// IngestionError means a conversation input was malformed or unreadable.
// The user is skipped and a bulk run continues.
type IngestionError struct {
	UserID string
	Source string
	Err    error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingestion failed for user %s (%s): %v", e.UserID, e.Source, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// ExtractionServiceError wraps a failure of the external extraction call.
type ExtractionServiceError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *ExtractionServiceError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "transient"
	}
	msg := fmt.Sprintf("extraction service %s error", kind)
	if e.Provider != "" {
		msg += " from " + e.Provider
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	return msg + ": " + fmt.Sprint(e.Err)
}

func (e *ExtractionServiceError) Unwrap() error { return e.Err }

// ValidationError means the extractor returned out-of-contract data. The whole
// candidate batch of that call is rejected.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid extraction output: %s=%q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid extraction output: %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError is returned when a review operation targets a node
// that is not in the required state.
type InvalidTransitionError struct {
	NodeID string
	From   Status
	To     Status
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("cannot move node %s from %s to %s", e.NodeID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ConcurrentModificationError is returned when a conditional update lost a
// race with another writer. Callers may re-fetch and retry.
type ConcurrentModificationError struct {
	NodeID   string
	Expected string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("node %s was modified concurrently (expected %s)", e.NodeID, e.Expected)
}

// PersistenceError wraps a store adapter failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotFoundError is returned when a node or user does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IsRetryable reports whether err is worth retrying at the extractor boundary.
func IsRetryable(err error) bool {
	var svcErr *ExtractionServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Retryable
	}
	return false
}

// IsConcurrentModification reports whether err is a lost optimistic race.
func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
