// Package ledger records which conversation inputs have been processed for
// each user, keyed by content fingerprint, and serializes concurrent attempts
// to process the same input.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyProcessed is returned by Claim when the input was recorded
	// before and force is off.
	ErrAlreadyProcessed = errors.New("input already processed")
	// ErrInProgress is returned by Claim when another run holds a live claim.
	ErrInProgress = errors.New("input is being processed")
)

// DefaultLease bounds how long a claim survives a crashed holder.
const DefaultLease = 30 * time.Minute

// Summary is the outcome recorded with a processed input.
type Summary struct {
	NewFacts              int  `json:"new_facts"`
	Merged                int  `json:"merged"`
	Discarded             int  `json:"discarded"`
	LowConfidenceRejected int  `json:"low_confidence_rejected"`
	Windows               int  `json:"windows"`
	Calls                 int  `json:"calls"`
	Forced                bool `json:"forced"`
}

// Entry is one processed input.
type Entry struct {
	UserID      string    `json:"user_id"`
	Fingerprint string    `json:"fingerprint"`
	Summary     Summary   `json:"summary"`
	Runs        int       `json:"runs"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Ledger is the processing ledger.
//
// A run calls Claim, does its work, then either RecordProcessed (which also
// drops the claim) or Release on failure. Nothing is recorded for a failed run.
type Ledger interface {
	// ShouldProcess reports whether an input needs extraction.
	ShouldProcess(ctx context.Context, userID, fingerprint string, force bool) (bool, error)
	// Claim atomically checks the record and takes the claim.
	Claim(ctx context.Context, userID, fingerprint string, force bool) error
	RecordProcessed(ctx context.Context, userID, fingerprint string, summary Summary) error
	Release(ctx context.Context, userID, fingerprint string) error
	// Forget drops every record for the user so the next run re-extracts.
	Forget(ctx context.Context, userID string) (int, error)
	// History lists the user's processed inputs, newest first.
	History(ctx context.Context, userID string) ([]Entry, error)
}
