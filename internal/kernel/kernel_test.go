package kernel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fact-memory-kernel/internal/cache"
	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/input"
	"github.com/fact-memory-kernel/internal/ledger"
	"github.com/fact-memory-kernel/internal/lock"
	"github.com/fact-memory-kernel/internal/store/sqlite"
)

const ashaInput = `[{"user_queries":[
  {"message_id":"q1","message":"my number is +91-9876543210","timestamp":"2025-09-13 10:00:00"},
  {"message_id":"q2","message":"my wife is Meera","timestamp":"2025-09-13 10:02:00"},
  {"message_id":"q3","message":"I love playing chess","timestamp":"2025-09-13 10:04:00"}],
 "team_replies":[{"message_id":"r1","message":"Noted, thanks!","timestamp":"2025-09-13 10:01:00"}]}]`

const raviInput = `[{"user_queries":[
  {"message_id":"q1","message":"reach me at ravi@example.com","timestamp":"2025-09-14 09:00:00"}]}]`

// oracle answers from the message texts, like a well-behaved model.
type oracle struct {
	mu     sync.Mutex
	calls  int
	fail   map[string]error
	focus  map[string]string
	delay  time.Duration
	active int
	peak   int
}

func (o *oracle) Name() string { return "test" }

func (o *oracle) Extract(ctx context.Context, req extractor.Request) ([]byte, error) {
	o.mu.Lock()
	o.calls++
	o.active++
	if o.active > o.peak {
		o.peak = o.active
	}
	err := o.fail[req.UserID]
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if err != nil {
		return nil, err
	}

	if req.FocusFactType != "" {
		value := o.focus[req.FocusFactType]
		if value == "" {
			return []byte(`{"Layer1":[],"Layer2":[],"Layer3":[],"Layer4":[]}`), nil
		}
		id := req.Messages[0].ID
		return []byte(fmt.Sprintf(`{"%s":[{"detail":{"type":%q,"value":%q},"confidence":0.9,"evidence":[{"message_id":%q,"message_snippet":"retry"}]}]}`,
			req.FocusLayer, req.FocusFactType, value, id)), nil
	}

	var l1, l3, l4 []string
	item := func(typ, value, id string, conf float64) string {
		return fmt.Sprintf(`{"detail":{"type":%q,"value":%q},"confidence":%v,"evidence":[{"message_id":%q,"message_snippet":"said so"}],"ownership_reason":"user states it"}`,
			typ, value, conf, id)
	}
	for _, m := range req.Messages {
		switch {
		case strings.Contains(m.Text, "+91-9876543210"):
			l1 = append(l1, item("phone_number", "+91-9876543210", m.ID, 0.96))
		case strings.Contains(m.Text, "ravi@example.com"):
			l1 = append(l1, item("email", "ravi@example.com", m.ID, 0.93))
		case strings.Contains(m.Text, "Meera"):
			l3 = append(l3, item("spouse", "Meera", m.ID, 0.85))
		case strings.Contains(m.Text, "chess"):
			l4 = append(l4, item("hobby", "chess", m.ID, 0.8))
		}
	}
	return []byte(fmt.Sprintf(`{"Layer1":[%s],"Layer2":[],"Layer3":[%s],"Layer4":[%s]}`,
		strings.Join(l1, ","), strings.Join(l3, ","), strings.Join(l4, ","))), nil
}

type fixture struct {
	k      *Kernel
	st     *sqlite.Store
	oracle *oracle
	deps   Deps
}

func newFixture(t *testing.T, opts Options, extra map[string][]byte) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := sqlite.Open(sqlite.Config{Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	led, err := ledger.NewSQLite(st.DB(), time.Minute, logger)
	require.NoError(t, err)
	c, err := cache.New(0, time.Minute, nil, logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	o := &oracle{fail: map[string]error{}, focus: map[string]string{}}
	ex := extractor.New(o, extractor.Config{
		MaxAttempts:   2,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		ChunkSize:     100,
		ChunkOverlap:  20,
		MinConfidence: 0.75,
	}, logger)

	inputs := map[string][]byte{"asha": []byte(ashaInput), "ravi": []byte(raviInput)}
	for id, data := range extra {
		inputs[id] = data
	}
	deps := Deps{
		Store:     st,
		Ledger:    led,
		Extractor: ex,
		Source:    input.NewMemorySource(inputs),
		Cache:     c,
		Logger:    logger,
	}
	k, err := New(deps, opts)
	require.NoError(t, err)
	return &fixture{k: k, st: st, oracle: o, deps: deps}
}

func (f *fixture) node(t *testing.T, user, factType string) *facts.FactNode {
	t.Helper()
	nodes, err := f.st.ListNodes(context.Background(), facts.NodeQuery{UserID: user, FactType: factType})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	return nodes[0]
}

func TestProcessUserCreatesPendingNodes(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	report, err := f.k.ProcessUser(ctx, "asha", false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 3, report.NewFacts)
	assert.Equal(t, 1, report.Calls)
	assert.True(t, report.Succeeded())

	phone := f.node(t, "asha", "phone_number")
	assert.Equal(t, facts.LayerIdentity, phone.Layer)
	assert.Equal(t, "+91-9876543210", phone.RawValue)
	assert.Equal(t, 0.96, phone.Confidence)
	assert.Equal(t, facts.LevelHigh, phone.ConfidenceLevel)
	assert.Equal(t, facts.StatusPending, phone.Status)
	assert.Equal(t, facts.MethodInitial, phone.ExtractionMethod)
	assert.Equal(t, []string{"q1"}, phone.MessageIDs())

	all, err := f.st.ListNodes(ctx, facts.NodeQuery{})
	require.NoError(t, err)
	for _, n := range all {
		assert.True(t, n.Layer.Valid())
		assert.GreaterOrEqual(t, n.Confidence, 0.0)
		assert.LessOrEqual(t, n.Confidence, 1.0)
	}
}

func TestProcessUserIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	_, err := f.k.ProcessUser(ctx, "asha", false)
	require.NoError(t, err)
	calls := f.oracle.calls

	report, err := f.k.ProcessUser(ctx, "asha", false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, NoteAlreadyProcessed, report.Note)
	assert.Zero(t, report.NewFacts)
	assert.Equal(t, calls, f.oracle.calls)

	// Forcing re-extracts; the same values merge instead of duplicating.
	report, err = f.k.ProcessUser(ctx, "asha", true)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Zero(t, report.NewFacts)
	assert.Equal(t, 3, report.Merged)

	nodes, err := f.st.ListNodes(ctx, facts.NodeQuery{UserID: "asha"})
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
}

func TestProcessUserClaimsAcrossInstances(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.oracle.delay = 200 * time.Millisecond

	// A second kernel shares the store and ledger but has its own locks.
	other, err := New(f.deps, Options{})
	require.NoError(t, err)

	reports := make([]*UserReport, 2)
	errs := make([]error, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, k := range []*Kernel{f.k, other} {
		wg.Add(1)
		go func(i int, k *Kernel) {
			defer wg.Done()
			<-start
			reports[i], errs[i] = k.ProcessUser(context.Background(), "asha", false)
		}(i, k)
	}
	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, f.oracle.calls)

	ran, skipped := reports[0], reports[1]
	if ran.Skipped {
		ran, skipped = skipped, ran
	}
	assert.False(t, ran.Skipped)
	assert.Equal(t, 3, ran.NewFacts)
	assert.True(t, skipped.Skipped)
	assert.Equal(t, NoteInProgress, skipped.Note)
	assert.Zero(t, skipped.NewFacts)

	all, err := f.st.ListNodes(context.Background(), facts.NodeQuery{UserID: "asha"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestProcessUserSkipsWhileLocked(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	held, err := f.k.locker.TryAcquire(context.Background(), lock.IngestKey("asha"))
	require.NoError(t, err)
	defer held.Release()

	report, err := f.k.ProcessUser(context.Background(), "asha", false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, NoteInProgress, report.Note)
	assert.Zero(t, f.oracle.calls)
}

func TestProcessUserFailureLeavesInputUnprocessed(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	f.oracle.fail["asha"] = &facts.ExtractionServiceError{Provider: "test", StatusCode: 401, Err: errors.New("bad key")}

	report, err := f.k.ProcessUser(ctx, "asha", false)
	require.Error(t, err)
	var svcErr *facts.ExtractionServiceError
	assert.True(t, errors.As(err, &svcErr))
	assert.NotEmpty(t, report.Error)
	assert.False(t, report.Succeeded())

	nodes, err := f.st.ListNodes(ctx, facts.NodeQuery{UserID: "asha"})
	require.NoError(t, err)
	assert.Empty(t, nodes)

	// The claim was released, so a later run goes through.
	delete(f.oracle.fail, "asha")
	report, err = f.k.ProcessUser(ctx, "asha", false)
	require.NoError(t, err)
	assert.Equal(t, 3, report.NewFacts)
}

func TestProcessUserMalformedInput(t *testing.T) {
	f := newFixture(t, Options{}, map[string][]byte{"broken": []byte(`{"not":"a list"`)})

	report, err := f.k.ProcessUser(context.Background(), "broken", false)
	var ingErr *facts.IngestionError
	require.True(t, errors.As(err, &ingErr))
	assert.NotEmpty(t, report.Error)
	assert.Zero(t, f.oracle.calls)
}

func TestProcessAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, Options{BulkConcurrency: 2}, nil)
	ctx := context.Background()
	f.oracle.fail["ravi"] = &facts.ExtractionServiceError{Provider: "test", StatusCode: 400, Err: errors.New("rejected")}

	report, err := f.k.ProcessAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 3, report.NewFacts)
	assert.NotEmpty(t, report.Users["ravi"].Error)
	assert.Equal(t, 3, report.Users["asha"].NewFacts)
	assert.Contains(t, report.Message, "1 of 2 users")

	sorted := report.Sorted()
	require.Len(t, sorted, 2)
	assert.Equal(t, "asha", sorted[0].UserID)
}

func TestProcessAllTwiceReportsAlreadyProcessed(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()

	first, err := f.k.ProcessAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 4, first.NewFacts)
	assert.Equal(t, 2, first.Succeeded)

	second, err := f.k.ProcessAll(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, second.NewFacts)
	assert.Equal(t, 2, second.Skipped)
	assert.Contains(t, second.Message, NoteAlreadyProcessed)
	for _, r := range second.Users {
		assert.Equal(t, NoteAlreadyProcessed, r.Note)
	}
}

func TestProcessAllBoundsConcurrency(t *testing.T) {
	extra := map[string][]byte{}
	for i := 0; i < 4; i++ {
		extra[fmt.Sprintf("user%d", i)] = []byte(raviInput)
	}
	f := newFixture(t, Options{BulkConcurrency: 1}, extra)
	f.oracle.delay = 5 * time.Millisecond

	report, err := f.k.ProcessAll(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Succeeded)
	assert.Equal(t, 1, f.oracle.peak)
}

func TestReviewAndReprocessLifecycle(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	_, err := f.k.ProcessUser(ctx, "asha", false)
	require.NoError(t, err)

	// Approve the phone number.
	phone := f.node(t, "asha", "phone_number")
	approved, err := f.k.Approve(ctx, phone.ID, "ops_user")
	require.NoError(t, err)
	assert.Equal(t, facts.StatusApproved, approved.Status)
	assert.Equal(t, "ops_user", approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)

	approvedView, err := f.k.UserFacts(ctx, "asha", 0, facts.StatusApproved)
	require.NoError(t, err)
	require.Len(t, approvedView, 1)
	assert.Equal(t, phone.ID, approvedView[0].ID)

	_, err = f.k.Approve(ctx, phone.ID, "ops_user")
	var ite *facts.InvalidTransitionError
	assert.True(t, errors.As(err, &ite))

	// Reject the spouse and reprocess it.
	spouse := f.node(t, "asha", "spouse")
	rejected, err := f.k.Reject(ctx, spouse.ID, "ops_user")
	require.NoError(t, err)
	assert.True(t, rejected.NeedsReprocess)

	cands, err := f.k.ReprocessCandidates(ctx, "asha")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, spouse.ID, cands[0].ID)

	f.oracle.focus["spouse"] = "Meera Rao"
	out, err := f.k.Reprocess(ctx, spouse.ID)
	require.NoError(t, err)
	require.Len(t, out.Children, 1)
	child := out.Children[0]
	assert.Equal(t, spouse.ID, child.ParentUpdateID)
	assert.Equal(t, facts.MethodReprocess, child.ExtractionMethod)
	assert.Equal(t, facts.StatusPending, child.Status)
	assert.False(t, out.Parent.NeedsReprocess)

	children, err := f.k.Children(ctx, spouse.ID)
	require.NoError(t, err)
	assert.Len(t, children, 1)

	cands, err = f.k.ReprocessCandidates(ctx, "asha")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestViews(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	_, err := f.k.ProcessAll(ctx, false)
	require.NoError(t, err)

	users, err := f.k.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	summary, err := f.k.UserSummary(ctx, "asha")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.ByStatus["pending"])
	assert.Equal(t, 1, summary.ByLayer["Layer1"])
	assert.Equal(t, 1, summary.ByLayer["Layer3"])
	assert.Equal(t, 0, summary.ByLayer["Layer2"])
	require.Len(t, summary.Processed, 1)
	assert.Equal(t, 3, summary.Processed[0].Summary.NewFacts)

	// Review invalidates the cached summary.
	phone := f.node(t, "asha", "phone_number")
	_, err = f.k.Approve(ctx, phone.ID, "ops_user")
	require.NoError(t, err)
	summary, err = f.k.UserSummary(ctx, "asha")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByStatus["approved"])
	assert.Equal(t, 2, summary.ByStatus["pending"])

	_, err = f.k.UserSummary(ctx, "nobody")
	assert.True(t, facts.IsNotFound(err))

	layer1, err := f.k.UserFacts(ctx, "asha", facts.LayerIdentity, "")
	require.NoError(t, err)
	assert.Len(t, layer1, 1)

	pending, err := f.k.PendingNodes(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	pending, err = f.k.PendingNodes(ctx, facts.LayerIdentity, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "email", pending[0].FactType)

	stats, err := f.k.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 4, stats.TotalFacts)
	assert.Equal(t, 1, stats.ByStatus["approved"])
	assert.Equal(t, 2, stats.ByLevel["high"])
	assert.NotNil(t, f.k.CacheStats())
}

func TestForgetAllowsReprocessing(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	_, err := f.k.ProcessUser(ctx, "ravi", false)
	require.NoError(t, err)

	n, err := f.k.Forget(ctx, "ravi")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := f.k.ProcessUser(ctx, "ravi", false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Merged)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
