package dgraph

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fact-memory-kernel/internal/facts"
)

func TestNodeRoundTripThroughPredicates(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n := &facts.FactNode{
		ID:               "n1",
		UserID:           "asha",
		Layer:            facts.LayerRelations,
		FactType:         "spouse",
		RawValue:         "Ravi",
		Confidence:       0.91,
		ConfidenceLevel:  facts.LevelHigh,
		Status:           facts.StatusRejected,
		Evidence:         []facts.Evidence{{MessageID: "m3", Snippet: "my husband Ravi"}},
		NeedsReprocess:   true,
		ExtractionMethod: facts.MethodInitial,
		ReviewedBy:       "ops",
		ReviewedAt:       &at,
		CreatedAt:        at,
		UpdatedAt:        at,
	}
	d, err := toDG(n)
	require.NoError(t, err)
	back, err := d.toFact()
	require.NoError(t, err)
	assert.Equal(t, n, back)
}

// newIntegrationStore connects to a live DGraph when TEST_DGRAPH_ADDR is set.
func newIntegrationStore(t *testing.T) *Store {
	addr := os.Getenv("TEST_DGRAPH_ADDR")
	if addr == "" {
		t.Skip("Skipping DGraph integration test. Set TEST_DGRAPH_ADDR to run.")
	}
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.MaxRetries = 1
	s, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDGraphReviewLifecycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	user := "it-" + uuid.NewString()

	_, err := s.UpsertUser(ctx, facts.User{ID: user, DisplayName: "It"})
	require.NoError(t, err)

	n := &facts.FactNode{
		UserID:          user,
		Layer:           facts.LayerIdentity,
		FactType:        "phone_number",
		RawValue:        "9876543210",
		Confidence:      0.95,
		ConfidenceLevel: facts.LevelHigh,
		Evidence:        []facts.Evidence{{MessageID: "m1", Snippet: "9876543210"}},
	}
	require.NoError(t, s.CreateNode(ctx, n))

	got, err := s.TransitionStatus(ctx, n.ID, facts.Transition{To: facts.StatusRejected, ReviewedBy: "ops"})
	require.NoError(t, err)
	assert.True(t, got.NeedsReprocess)

	_, err = s.TransitionStatus(ctx, n.ID, facts.Transition{To: facts.StatusApproved, ReviewedBy: "ops"})
	assert.True(t, facts.IsConcurrentModification(err))

	child := &facts.FactNode{
		UserID:          user,
		Layer:           facts.LayerIdentity,
		FactType:        "phone_number",
		RawValue:        "9876500000",
		Confidence:      0.9,
		ConfidenceLevel: facts.LevelHigh,
		Evidence:        []facts.Evidence{{MessageID: "m1", Snippet: "9876500000"}},
	}
	_, err = s.SpawnChildren(ctx, n.ID, []*facts.FactNode{child})
	require.NoError(t, err)

	kids, err := s.ListNodes(ctx, facts.NodeQuery{UserID: user, ParentUpdateID: n.ID})
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, facts.MethodReprocess, kids[0].ExtractionMethod)
}
