// Package classify assigns candidates to a layer and normalizes their fact
// type using the fact-type registry.
package classify

import (
	"strings"

	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/facts"
)

// Classifier places candidates into layers. The layer proposed by the
// extraction service is ignored; the registry is authoritative.
type Classifier struct {
	logger *zap.Logger
}

// New creates a Classifier.
func New(logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{logger: logger.Named("classify")}
}

// Classify returns a copy of c with a normalized fact type, its registry
// layer, a canonical raw value form and the concluded-fact sentence for owner.
func (cl *Classifier) Classify(owner string, c facts.Candidate) facts.Candidate {
	rule := facts.Rule(c.FactType)

	out := c
	out.FactType = rule.Name
	out.Layer = rule.Layer
	out.RawValue = strings.TrimSpace(c.RawValue)
	if facts.IsNotAvailable(out.RawValue) {
		out.RawValue = facts.NotAvailable
	}
	out.ConcludedFact = rule.Conclude(owner, out.RawValue)
	out.Evidence = append([]facts.Evidence(nil), c.Evidence...)

	if c.Layer != 0 && c.Layer != rule.Layer {
		cl.logger.Debug("Layer reassigned",
			zap.String("fact_type", rule.Name),
			zap.Stringer("proposed", c.Layer),
			zap.Stringer("assigned", rule.Layer))
	}
	if !rule.Known {
		cl.logger.Debug("Unregistered fact type placed by category",
			zap.String("fact_type", rule.Name),
			zap.Stringer("layer", rule.Layer))
	}
	return out
}

// ClassifyAll classifies a batch in order.
func (cl *Classifier) ClassifyAll(owner string, cs []facts.Candidate) []facts.Candidate {
	out := make([]facts.Candidate, 0, len(cs))
	for _, c := range cs {
		out = append(out, cl.Classify(owner, c))
	}
	return out
}
