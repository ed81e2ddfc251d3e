// Package review implements the fact node review state machine:
// pending -> approved, pending -> rejected. Both targets are terminal.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/audit"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/lock"
	"github.com/fact-memory-kernel/internal/store"
)

// ErrReviewerRequired is returned when a decision has no reviewer id.
var ErrReviewerRequired = errors.New("reviewer id is required")

// Service applies review decisions.
type Service struct {
	store    store.Store
	locker   lock.Locker
	audit    *audit.Logger
	logger   *zap.Logger
	lockWait time.Duration
	now      func() time.Time
}

// New creates a review Service. locker guards approvals of single-valued
// fact types; nil means an in-process locker.
func New(st store.Store, locker lock.Locker, auditLog *audit.Logger, logger *zap.Logger) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		locker:   locker,
		audit:    auditLog,
		logger:   logger.Named("review"),
		lockWait: 5 * time.Second,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Approve moves a pending node to approved.
//
// For single-valued fact types the approval is refused when the user already
// has an approved node of that type holding a different value.
func (s *Service) Approve(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error) {
	n, err := s.pending(ctx, nodeID, reviewer, facts.StatusApproved)
	if err != nil {
		return nil, err
	}

	rule := facts.Rule(n.FactType)
	if !rule.MultiValued {
		lctx, cancel := context.WithTimeout(ctx, s.lockWait)
		held, err := lock.Acquire(lctx, s.locker, lock.ReviewKey(n.UserID, n.FactType), 0)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("locking %s for review: %w", n.FactType, err)
		}
		defer held.Release()

		approved, err := s.store.ListNodes(ctx, facts.NodeQuery{
			UserID:   n.UserID,
			FactType: n.FactType,
			Status:   facts.StatusApproved,
		})
		if err != nil {
			return nil, err
		}
		for _, other := range approved {
			if !rule.SameValue(other.RawValue, n.RawValue) {
				return nil, &facts.InvalidTransitionError{
					NodeID: nodeID,
					From:   n.Status,
					To:     facts.StatusApproved,
					Reason: fmt.Sprintf("%s already has approved value %q (node %s)", n.FactType, other.RawValue, other.ID),
				}
			}
		}
	}

	out, err := s.store.TransitionStatus(ctx, nodeID, facts.Transition{
		To:         facts.StatusApproved,
		ReviewedBy: reviewer,
		ReviewedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Node approved",
		zap.String("node_id", nodeID),
		zap.String("fact_type", out.FactType),
		zap.String("reviewed_by", reviewer))
	s.audit.NodeEvent(ctx, audit.EventNodeApproved, out.UserID, out.ID, out.FactType, reviewer)
	return out, nil
}

// Reject moves a pending node to rejected and queues it for reprocessing.
func (s *Service) Reject(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error) {
	if _, err := s.pending(ctx, nodeID, reviewer, facts.StatusRejected); err != nil {
		return nil, err
	}
	out, err := s.store.TransitionStatus(ctx, nodeID, facts.Transition{
		To:         facts.StatusRejected,
		ReviewedBy: reviewer,
		ReviewedAt: s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Node rejected",
		zap.String("node_id", nodeID),
		zap.String("fact_type", out.FactType),
		zap.String("reviewed_by", reviewer))
	s.audit.NodeEvent(ctx, audit.EventNodeRejected, out.UserID, out.ID, out.FactType, reviewer)
	return out, nil
}

func (s *Service) pending(ctx context.Context, nodeID, reviewer string, to facts.Status) (*facts.FactNode, error) {
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}
	n, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if n.Status != facts.StatusPending {
		return nil, &facts.InvalidTransitionError{NodeID: nodeID, From: n.Status, To: to, Reason: "node is not pending"}
	}
	return n, nil
}
