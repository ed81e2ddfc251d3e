// Package reprocess re-extracts rejected fact nodes and records the result
// as pending children linked to the rejected parent.
package reprocess

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/audit"
	"github.com/fact-memory-kernel/internal/classify"
	"github.com/fact-memory-kernel/internal/dedup"
	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/input"
	"github.com/fact-memory-kernel/internal/store"
)

// DefaultMaxAttempts bounds empty reprocessing attempts per node.
const DefaultMaxAttempts = 3

// DefaultContextRadius is how many messages around each evidence message are
// sent along when the conversation is still available.
const DefaultContextRadius = 5

// Extractor is the focused extraction the scheduler needs.
type Extractor interface {
	ExtractFocused(ctx context.Context, userID, displayName, factType, rejectedValue string, msgs []facts.Message) (*extractor.Result, error)
}

// Config configures the Scheduler.
type Config struct {
	MaxAttempts   int
	ContextRadius int
}

// Outcome is the result of reprocessing one node.
type Outcome struct {
	Parent    *facts.FactNode   `json:"parent"`
	Children  []*facts.FactNode `json:"children"`
	Discarded int               `json:"discarded"`
	Exhausted bool              `json:"exhausted"`
}

// Scheduler runs reprocessing.
type Scheduler struct {
	store      store.Store
	extractor  Extractor
	source     input.Source
	classifier *classify.Classifier
	audit      *audit.Logger
	logger     *zap.Logger
	cfg        Config
}

// New creates a Scheduler. source may be nil, in which case the evidence
// snippets alone are re-examined.
func New(st store.Store, ex Extractor, source input.Source, auditLog *audit.Logger, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ContextRadius < 0 {
		cfg.ContextRadius = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:      st,
		extractor:  ex,
		source:     source,
		classifier: classify.New(logger),
		audit:      auditLog,
		logger:     logger.Named("reprocess"),
		cfg:        cfg,
	}
}

// Candidates lists rejected nodes still awaiting reprocessing. An empty
// userID lists every user's.
func (s *Scheduler) Candidates(ctx context.Context, userID string) ([]*facts.FactNode, error) {
	return s.store.ListNodes(ctx, facts.NodeQuery{
		UserID:         userID,
		Status:         facts.StatusRejected,
		NeedsReprocess: facts.Bool(true),
	})
}

// Reprocess re-extracts the node's fact type from its evidence.
//
// Each new value becomes a pending child with extraction_method=reprocess and
// the parent's needs_reprocess flag is cleared. When nothing new comes back
// the attempt is counted; at the bound the parent is marked exhausted.
func (s *Scheduler) Reprocess(ctx context.Context, nodeID string) (*Outcome, error) {
	parent, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if parent.Status != facts.StatusRejected || !parent.NeedsReprocess {
		return nil, &facts.InvalidTransitionError{
			NodeID: nodeID,
			From:   parent.Status,
			To:     facts.StatusPending,
			Reason: "node is not awaiting reprocessing",
		}
	}

	displayName := input.DisplayName(parent.UserID)
	if u, err := s.store.GetUser(ctx, parent.UserID); err == nil && u.DisplayName != "" {
		displayName = u.DisplayName
	}

	msgs := s.scope(ctx, parent)
	res, err := s.extractor.ExtractFocused(ctx, parent.UserID, displayName, parent.FactType, parent.RawValue, msgs)
	if err != nil {
		return nil, fmt.Errorf("reprocessing %s: %w", nodeID, err)
	}

	existing, err := s.store.ListNodes(ctx, facts.NodeQuery{UserID: parent.UserID, FactType: parent.FactType})
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	var children []*facts.FactNode
	for _, c := range s.classifier.ClassifyAll(displayName, res.Candidates) {
		d := dedup.Reconcile(parent.UserID, c, append(existing, children...))
		switch d.Action {
		case dedup.ActionCreate:
			children = append(children, &facts.FactNode{
				UserID:          parent.UserID,
				Layer:           c.Layer,
				FactType:        c.FactType,
				RawValue:        c.RawValue,
				ConcludedFact:   c.ConcludedFact,
				Confidence:      d.Confidence,
				ConfidenceLevel: d.Level,
				Status:          facts.StatusPending,
				Evidence:        d.Evidence,
			})
		case dedup.ActionMerge:
			// Two candidates of this run with one value fold into one child.
			if isChild(d.Target, children) {
				d.Target.Evidence = d.Evidence
				d.Target.Confidence = d.Confidence
				d.Target.ConfidenceLevel = d.Level
				continue
			}
			out.Discarded++
		default:
			out.Discarded++
		}
	}

	if len(children) > 0 {
		spawned, err := s.store.SpawnChildren(ctx, nodeID, children)
		if err != nil {
			return nil, err
		}
		out.Children = spawned
		for _, c := range spawned {
			s.audit.NodeEvent(ctx, audit.EventNodeCreated, c.UserID, c.ID, c.FactType, "reprocess")
		}
		s.audit.Log(ctx, audit.Event{
			Type:     audit.EventChildrenSpawned,
			UserID:   parent.UserID,
			NodeID:   nodeID,
			FactType: parent.FactType,
			Metadata: map[string]string{"children": fmt.Sprint(len(spawned))},
		})
		s.logger.Info("Reprocessing produced children",
			zap.String("node_id", nodeID),
			zap.Int("children", len(spawned)))
	} else {
		updated, err := s.store.RecordReprocessAttempt(ctx, nodeID, s.cfg.MaxAttempts)
		if err != nil {
			return nil, err
		}
		parent = updated
		out.Exhausted = updated.Exhausted
		typ := audit.EventReprocessEmpty
		if updated.Exhausted {
			typ = audit.EventReprocessExhausted
		}
		s.audit.NodeEvent(ctx, typ, parent.UserID, nodeID, parent.FactType, "reprocess")
		s.logger.Info("Reprocessing found nothing new",
			zap.String("node_id", nodeID),
			zap.Int("attempts", updated.ReprocessCount),
			zap.Bool("exhausted", updated.Exhausted))
	}

	if p, err := s.store.GetNode(ctx, nodeID); err == nil {
		parent = p
	}
	out.Parent = parent
	return out, nil
}

// scope returns the messages to re-examine: each evidence message with its
// neighbours from the stored conversation, or the snippets themselves.
func (s *Scheduler) scope(ctx context.Context, n *facts.FactNode) []facts.Message {
	if s.source != nil {
		in, err := s.source.Load(ctx, n.UserID)
		if err == nil {
			if msgs := input.Around(in.Messages, n.MessageIDs(), s.cfg.ContextRadius); len(msgs) > 0 {
				return msgs
			}
		} else {
			s.logger.Debug("Conversation unavailable, using evidence snippets",
				zap.String("user_id", n.UserID),
				zap.Error(err))
		}
	}
	msgs := make([]facts.Message, 0, len(n.Evidence))
	for _, ev := range n.Evidence {
		msgs = append(msgs, facts.Message{ID: ev.MessageID, Sender: "User", Text: ev.Snippet})
	}
	return msgs
}

func isChild(n *facts.FactNode, children []*facts.FactNode) bool {
	for _, c := range children {
		if c == n {
			return true
		}
	}
	return false
}
