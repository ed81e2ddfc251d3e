// Package dedup decides whether a classified candidate becomes a new fact
// node, is merged into an existing one, or is discarded as redundant.
package dedup

import (
	"github.com/fact-memory-kernel/internal/facts"
)

// Action is the outcome of reconciling one candidate.
type Action string

const (
	ActionCreate  Action = "create"
	ActionMerge   Action = "merge"
	ActionDiscard Action = "discard"
)

// Decision is the result of Reconcile. For merges, Evidence, Confidence and
// Level hold the values the target should be updated to.
type Decision struct {
	Action     Action
	Target     *facts.FactNode
	Evidence   []facts.Evidence
	Added      int
	Confidence float64
	Level      facts.ConfidenceLevel
	Reason     string
}

// Reconcile compares a classified candidate against the user's existing nodes.
// Nodes belonging to another user or fact type are ignored, so callers may pass
// a wider slice.
//
// Matching is on the registry's canonical value. Multi-valued and
// single-valued types are treated alike here; a different value always yields
// a new pending node and single-value conflicts are caught at approval.
func Reconcile(userID string, c facts.Candidate, existing []*facts.FactNode) Decision {
	rule := facts.Rule(c.FactType)

	var approved, pending, rejected *facts.FactNode
	for _, n := range existing {
		if n == nil || n.UserID != userID || n.FactType != rule.Name {
			continue
		}
		if !rule.SameValue(n.RawValue, c.RawValue) {
			continue
		}
		switch n.Status {
		case facts.StatusApproved:
			if approved == nil {
				approved = n
			}
		case facts.StatusPending:
			if pending == nil {
				pending = n
			}
		case facts.StatusRejected:
			if rejected == nil {
				rejected = n
			}
		}
	}

	switch {
	case approved != nil:
		merged, added := MergeEvidence(approved.Evidence, c.Evidence)
		if added == 0 {
			return Decision{Action: ActionDiscard, Target: approved, Reason: "already approved"}
		}
		return mergeInto(approved, c, merged, added, "extends approved evidence")
	case pending != nil:
		merged, added := MergeEvidence(pending.Evidence, c.Evidence)
		return mergeInto(pending, c, merged, added, "corroborates pending node")
	case rejected != nil:
		return Decision{Action: ActionDiscard, Target: rejected, Reason: "value was rejected"}
	}

	conf, lvl := facts.Score(c.Confidence, len(uniqueIDs(c.Evidence)))
	return Decision{
		Action:     ActionCreate,
		Evidence:   dedupEvidence(c.Evidence),
		Confidence: conf,
		Level:      lvl,
		Reason:     "new value",
	}
}

func mergeInto(target *facts.FactNode, c facts.Candidate, merged []facts.Evidence, added int, reason string) Decision {
	conf, lvl := facts.Recombine(target.Confidence, c.Confidence, added)
	return Decision{
		Action:     ActionMerge,
		Target:     target,
		Evidence:   merged,
		Added:      added,
		Confidence: conf,
		Level:      lvl,
		Reason:     reason,
	}
}

// MergeEvidence unions two evidence lists by message id, keeping the order of
// existing followed by the new items. It returns the union and the number of
// message ids that were not already present.
func MergeEvidence(existing, incoming []facts.Evidence) ([]facts.Evidence, int) {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]facts.Evidence, 0, len(existing)+len(incoming))
	for _, ev := range existing {
		if _, ok := seen[ev.MessageID]; ok {
			continue
		}
		seen[ev.MessageID] = struct{}{}
		out = append(out, ev)
	}
	added := 0
	for _, ev := range incoming {
		if _, ok := seen[ev.MessageID]; ok {
			continue
		}
		seen[ev.MessageID] = struct{}{}
		out = append(out, ev)
		added++
	}
	return out, added
}

func dedupEvidence(evs []facts.Evidence) []facts.Evidence {
	out, _ := MergeEvidence(nil, evs)
	return out
}

func uniqueIDs(evs []facts.Evidence) map[string]struct{} {
	ids := make(map[string]struct{}, len(evs))
	for _, ev := range evs {
		ids[ev.MessageID] = struct{}{}
	}
	return ids
}
