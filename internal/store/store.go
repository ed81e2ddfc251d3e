// Package store defines the persistence boundary for users and fact nodes.
// Every other component goes through this contract; the concrete backends
// live in the sqlite and dgraph subpackages.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fact-memory-kernel/internal/facts"
)

// Store is the fact node store.
//
// Conditional operations report a lost race with
// *facts.ConcurrentModificationError, a missing record with
// *facts.NotFoundError, and backend failures with *facts.PersistenceError.
type Store interface {
	// UpsertUser creates the user or refreshes its display name. CreatedAt of
	// an existing user is kept.
	UpsertUser(ctx context.Context, u facts.User) (*facts.User, error)
	GetUser(ctx context.Context, id string) (*facts.User, error)
	ListUsers(ctx context.Context) ([]facts.User, error)

	// CreateNode inserts a node, assigning ID and timestamps when unset.
	CreateNode(ctx context.Context, n *facts.FactNode) error
	GetNode(ctx context.Context, id string) (*facts.FactNode, error)
	// ListNodes returns matching nodes ordered by creation time.
	ListNodes(ctx context.Context, q facts.NodeQuery) ([]*facts.FactNode, error)

	// TransitionStatus moves a node out of pending only if it is still
	// pending. Rejection also sets needs_reprocess.
	TransitionStatus(ctx context.Context, id string, t facts.Transition) (*facts.FactNode, error)

	// UpdateEvidence replaces evidence and confidence only if the node still
	// has the expected status. Status and review fields are untouched.
	UpdateEvidence(ctx context.Context, id string, expected facts.Status, evidence []facts.Evidence, confidence float64, level facts.ConfidenceLevel) (*facts.FactNode, error)

	// SpawnChildren atomically inserts reprocessing children of a rejected
	// parent whose needs_reprocess is still set, clears the flag and counts
	// the attempt.
	SpawnChildren(ctx context.Context, parentID string, children []*facts.FactNode) ([]*facts.FactNode, error)

	// RecordReprocessAttempt counts an attempt that produced no children. When
	// the count reaches maxAttempts the node is marked exhausted and
	// needs_reprocess is cleared.
	RecordReprocessAttempt(ctx context.Context, id string, maxAttempts int) (*facts.FactNode, error)

	Close() error
}

// PrepareNode fills ID and timestamps of a node about to be inserted.
func PrepareNode(n *facts.FactNode, now time.Time) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = facts.StatusPending
	}
	if n.ExtractionMethod == "" {
		n.ExtractionMethod = facts.MethodInitial
	}
}

// Matches reports whether n satisfies q. Backends that cannot push every
// filter down use it to post-filter.
func Matches(n *facts.FactNode, q facts.NodeQuery) bool {
	if q.UserID != "" && n.UserID != q.UserID {
		return false
	}
	if q.FactType != "" && n.FactType != q.FactType {
		return false
	}
	if q.Layer != 0 && n.Layer != q.Layer {
		return false
	}
	if q.Status != "" && n.Status != q.Status {
		return false
	}
	if q.NeedsReprocess != nil && n.NeedsReprocess != *q.NeedsReprocess {
		return false
	}
	if q.ParentUpdateID != "" && n.ParentUpdateID != q.ParentUpdateID {
		return false
	}
	return true
}
