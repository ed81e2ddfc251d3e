// Package extractor wraps the external extraction service. It sequences
// windowed calls, retries transient failures with bounded backoff, validates
// every response against the candidate contract and applies the sanity rules
// that keep unowned or unnamed facts out of the graph.
package extractor

import (
	"context"

	"github.com/fact-memory-kernel/internal/facts"
)

// Request is one call to the extraction service.
type Request struct {
	UserID      string
	DisplayName string
	Messages    []facts.Message
	// FocusFactType narrows the call to a single fact type. Set when
	// reprocessing a rejected node.
	FocusFactType string
	FocusLayer    facts.Layer
	// RejectedValue is the value a reviewer turned down for FocusFactType.
	RejectedValue string
}

// Oracle is the external extraction service. Implementations return the raw
// layered JSON document ({"Layer1": [...], ...}) and report failures as
// *facts.ExtractionServiceError so the adapter can tell transient from fatal.
type Oracle interface {
	Name() string
	Extract(ctx context.Context, req Request) ([]byte, error)
}

// OracleFunc adapts a function to the Oracle interface.
type OracleFunc func(ctx context.Context, req Request) ([]byte, error)

// Name implements Oracle.
func (f OracleFunc) Name() string { return "func" }

// Extract implements Oracle.
func (f OracleFunc) Extract(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}
