package kernel

import (
	"context"

	"github.com/fact-memory-kernel/internal/cache"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/ledger"
)

// DefaultPendingLimit bounds PendingNodes when no limit is given.
const DefaultPendingLimit = 100

// UserSummary is the per-user overview of the review surface.
type UserSummary struct {
	User           facts.User     `json:"user"`
	Total          int            `json:"total_facts"`
	ByStatus       map[string]int `json:"by_status"`
	ByLayer        map[string]int `json:"by_layer"`
	ByLevel        map[string]int `json:"by_confidence_level"`
	NeedsReprocess int            `json:"needs_reprocess"`
	Exhausted      int            `json:"reprocess_exhausted"`
	Processed      []ledger.Entry `json:"processed_inputs"`
}

// SystemStats aggregates every user's nodes.
type SystemStats struct {
	TotalUsers int            `json:"total_users"`
	TotalFacts int            `json:"total_facts"`
	ByStatus   map[string]int `json:"by_status"`
	ByLayer    map[string]int `json:"by_layer"`
	ByLevel    map[string]int `json:"by_confidence_level"`
}

type tally struct {
	byStatus, byLayer, byLevel map[string]int
	needsReprocess, exhausted  int
}

func newTally() *tally {
	t := &tally{
		byStatus: map[string]int{},
		byLayer:  map[string]int{},
		byLevel:  map[string]int{},
	}
	for _, s := range []facts.Status{facts.StatusPending, facts.StatusApproved, facts.StatusRejected} {
		t.byStatus[string(s)] = 0
	}
	for _, l := range facts.Layers {
		t.byLayer[l.String()] = 0
	}
	return t
}

func (t *tally) add(n *facts.FactNode) {
	t.byStatus[string(n.Status)]++
	t.byLayer[n.Layer.String()]++
	t.byLevel[string(n.ConfidenceLevel)]++
	if n.NeedsReprocess {
		t.needsReprocess++
	}
	if n.Exhausted {
		t.exhausted++
	}
}

// ListUsers returns every user that owns or owned fact nodes.
func (k *Kernel) ListUsers(ctx context.Context) ([]facts.User, error) {
	return cache.GetOrCompute(ctx, k.cache, cache.UsersKey(), func() ([]facts.User, error) {
		return k.store.ListUsers(ctx)
	})
}

// UserSummary counts a user's nodes by status, layer and confidence level.
func (k *Kernel) UserSummary(ctx context.Context, userID string) (*UserSummary, error) {
	return cache.GetOrCompute(ctx, k.cache, cache.SummaryKey(userID), func() (*UserSummary, error) {
		u, err := k.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		nodes, err := k.store.ListNodes(ctx, facts.NodeQuery{UserID: userID})
		if err != nil {
			return nil, err
		}
		history, err := k.ledger.History(ctx, userID)
		if err != nil {
			return nil, err
		}

		t := newTally()
		for _, n := range nodes {
			t.add(n)
		}
		return &UserSummary{
			User:           *u,
			Total:          len(nodes),
			ByStatus:       t.byStatus,
			ByLayer:        t.byLayer,
			ByLevel:        t.byLevel,
			NeedsReprocess: t.needsReprocess,
			Exhausted:      t.exhausted,
			Processed:      history,
		}, nil
	})
}

// UserFacts returns a user's nodes, optionally narrowed to a layer and status.
func (k *Kernel) UserFacts(ctx context.Context, userID string, layer facts.Layer, status facts.Status) ([]*facts.FactNode, error) {
	if _, err := k.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return k.store.ListNodes(ctx, facts.NodeQuery{UserID: userID, Layer: layer, Status: status})
}

// PendingNodes returns nodes awaiting review across users, oldest first.
func (k *Kernel) PendingNodes(ctx context.Context, layer facts.Layer, limit int) ([]*facts.FactNode, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return k.store.ListNodes(ctx, facts.NodeQuery{Status: facts.StatusPending, Layer: layer, Limit: limit})
}

// Node returns one node.
func (k *Kernel) Node(ctx context.Context, nodeID string) (*facts.FactNode, error) {
	return k.store.GetNode(ctx, nodeID)
}

// Children returns the nodes spawned by reprocessing a rejected node.
func (k *Kernel) Children(ctx context.Context, parentID string) ([]*facts.FactNode, error) {
	return k.store.ListNodes(ctx, facts.NodeQuery{ParentUpdateID: parentID})
}

// Stats aggregates nodes across every user.
func (k *Kernel) Stats(ctx context.Context) (*SystemStats, error) {
	return cache.GetOrCompute(ctx, k.cache, cache.StatsKey(), func() (*SystemStats, error) {
		users, err := k.store.ListUsers(ctx)
		if err != nil {
			return nil, err
		}
		nodes, err := k.store.ListNodes(ctx, facts.NodeQuery{})
		if err != nil {
			return nil, err
		}
		t := newTally()
		for _, n := range nodes {
			t.add(n)
		}
		return &SystemStats{
			TotalUsers: len(users),
			TotalFacts: len(nodes),
			ByStatus:   t.byStatus,
			ByLayer:    t.byLayer,
			ByLevel:    t.byLevel,
		}, nil
	})
}

// CacheStats reports the view cache counters, or nil without a cache.
func (k *Kernel) CacheStats() map[string]interface{} {
	if k.cache == nil {
		return nil
	}
	return k.cache.Stats()
}
