package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
	"github.com/fact-memory-kernel/internal/kernel"
	"github.com/fact-memory-kernel/internal/reprocess"
	"github.com/fact-memory-kernel/internal/review"
)

type fakeService struct {
	nodes       map[string]*facts.FactNode
	processErr  error
	gotLayer    facts.Layer
	gotStatus   facts.Status
	gotLimit    int
	gotForce    bool
	gotReviewer string
}

func newFake() *fakeService {
	return &fakeService{nodes: map[string]*facts.FactNode{
		"n1": {ID: "n1", UserID: "asha", FactType: "phone_number", Layer: facts.LayerIdentity, Status: facts.StatusPending},
		"n2": {ID: "n2", UserID: "asha", FactType: "spouse", Layer: facts.LayerRelations, Status: facts.StatusApproved},
	}}
}

func (f *fakeService) ListUsers(ctx context.Context) ([]facts.User, error) {
	return []facts.User{{ID: "asha", DisplayName: "Asha"}}, nil
}

func (f *fakeService) UserSummary(ctx context.Context, userID string) (*kernel.UserSummary, error) {
	if userID != "asha" {
		return nil, &facts.NotFoundError{Kind: "user", ID: userID}
	}
	return &kernel.UserSummary{User: facts.User{ID: "asha"}, Total: 2, ByStatus: map[string]int{"pending": 1, "approved": 1}}, nil
}

func (f *fakeService) UserFacts(ctx context.Context, userID string, layer facts.Layer, status facts.Status) ([]*facts.FactNode, error) {
	f.gotLayer, f.gotStatus = layer, status
	var out []*facts.FactNode
	for _, n := range f.nodes {
		if (layer == 0 || n.Layer == layer) && (status == "" || n.Status == status) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeService) PendingNodes(ctx context.Context, layer facts.Layer, limit int) ([]*facts.FactNode, error) {
	f.gotLayer, f.gotLimit = layer, limit
	return []*facts.FactNode{f.nodes["n1"]}, nil
}

func (f *fakeService) Node(ctx context.Context, nodeID string) (*facts.FactNode, error) {
	n, ok := f.nodes[nodeID]
	if !ok {
		return nil, &facts.NotFoundError{Kind: "fact node", ID: nodeID}
	}
	return n, nil
}

func (f *fakeService) Children(ctx context.Context, parentID string) ([]*facts.FactNode, error) {
	return nil, nil
}

func (f *fakeService) decide(nodeID, reviewer string, to facts.Status) (*facts.FactNode, error) {
	if reviewer == "" {
		return nil, review.ErrReviewerRequired
	}
	f.gotReviewer = reviewer
	n, err := f.Node(context.Background(), nodeID)
	if err != nil {
		return nil, err
	}
	if n.Status != facts.StatusPending {
		return nil, &facts.InvalidTransitionError{NodeID: nodeID, From: n.Status, To: to}
	}
	n.Status = to
	n.ReviewedBy = reviewer
	return n, nil
}

func (f *fakeService) Approve(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error) {
	return f.decide(nodeID, reviewer, facts.StatusApproved)
}

func (f *fakeService) Reject(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error) {
	return f.decide(nodeID, reviewer, facts.StatusRejected)
}

func (f *fakeService) ProcessAll(ctx context.Context, force bool) (*kernel.BulkReport, error) {
	f.gotForce = force
	return &kernel.BulkReport{
		Users:     map[string]*kernel.UserReport{"asha": {UserID: "asha", Skipped: true, Note: kernel.NoteAlreadyProcessed}},
		Total:     1,
		Succeeded: 1,
		Skipped:   1,
		Message:   "1 of 1 users processed successfully, 0 new facts, 1 already processed",
	}, nil
}

func (f *fakeService) ProcessUser(ctx context.Context, userID string, force bool) (*kernel.UserReport, error) {
	f.gotForce = force
	r := &kernel.UserReport{UserID: userID, NewFacts: 2}
	if f.processErr != nil {
		r.Error = f.processErr.Error()
		return r, f.processErr
	}
	return r, nil
}

func (f *fakeService) ReprocessCandidates(ctx context.Context, userID string) ([]*facts.FactNode, error) {
	return []*facts.FactNode{}, nil
}

func (f *fakeService) Reprocess(ctx context.Context, nodeID string) (*reprocess.Outcome, error) {
	return nil, &facts.InvalidTransitionError{NodeID: nodeID, From: facts.StatusPending, To: facts.StatusPending, Reason: "node is not awaiting reprocessing"}
}

func (f *fakeService) Forget(ctx context.Context, userID string) (int, error) { return 1, nil }

func (f *fakeService) Stats(ctx context.Context) (*kernel.SystemStats, error) {
	return &kernel.SystemStats{TotalUsers: 1, TotalFacts: 2}, nil
}

func (f *fakeService) CacheStats() map[string]interface{} { return nil }

func newTestServer(t *testing.T, svc Service) http.Handler {
	s := New(svc, Config{AllowedOrigins: []string{"https://review.example.com"}}, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, jsonx.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, newFake()), "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestApprove(t *testing.T) {
	svc := newFake()
	h := newTestServer(t, svc)

	rec := do(t, h, "POST", "/api/nodes/n1/approve", `{"reviewer":"ops_user"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var n facts.FactNode
	decode(t, rec, &n)
	assert.Equal(t, facts.StatusApproved, n.Status)
	assert.Equal(t, "ops_user", n.ReviewedBy)

	// Terminal states refuse a second decision.
	rec = do(t, h, "POST", "/api/nodes/n1/reject", `{"reviewer":"ops_user"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_transition")
}

func TestReviewRequiresReviewer(t *testing.T) {
	h := newTestServer(t, newFake())
	for _, body := range []string{`{}`, `{"reviewer":""}`, `not json`} {
		rec := do(t, h, "POST", "/api/nodes/n1/approve", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestUnknownNodeIsNotFound(t *testing.T) {
	h := newTestServer(t, newFake())
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/api/nodes/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "POST", "/api/nodes/missing/approve", `{"reviewer":"ops_user"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, "GET", "/api/users/nobody/summary", "").Code)
}

func TestFactsFilters(t *testing.T) {
	svc := newFake()
	h := newTestServer(t, svc)

	rec := do(t, h, "GET", "/api/users/asha/facts?layer=Layer3&status=approved", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, facts.LayerRelations, svc.gotLayer)
	assert.Equal(t, facts.StatusApproved, svc.gotStatus)
	var body struct {
		Facts []facts.FactNode `json:"facts"`
		Count int              `json:"count"`
	}
	decode(t, rec, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "n2", body.Facts[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/api/users/asha/facts?layer=9", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/api/users/asha/facts?status=maybe", "").Code)
}

func TestPending(t *testing.T) {
	svc := newFake()
	h := newTestServer(t, svc)

	rec := do(t, h, "GET", "/api/nodes/pending?layer=1&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, facts.LayerIdentity, svc.gotLayer)
	assert.Equal(t, 5, svc.gotLimit)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "GET", "/api/nodes/pending?limit=-1", "").Code)
}

func TestProcess(t *testing.T) {
	svc := newFake()
	h := newTestServer(t, svc)

	rec := do(t, h, "POST", "/api/process?force=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bulk kernel.BulkReport
	decode(t, rec, &bulk)
	assert.Equal(t, kernel.NoteAlreadyProcessed, bulk.Users["asha"].Note)
	assert.False(t, svc.gotForce)

	rec = do(t, h, "POST", "/api/users/asha/process?force=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.gotForce)
}

func TestProcessUserErrorStatuses(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"ingestion":    {&facts.IngestionError{UserID: "asha", Err: errors.New("bad json")}, http.StatusUnprocessableEntity},
		"extraction":   {&facts.ExtractionServiceError{Provider: "openai", Err: errors.New("down")}, http.StatusBadGateway},
		"validation":   {&facts.ValidationError{Field: "layer", Reason: "out of range"}, http.StatusBadGateway},
		"persistence":  {&facts.PersistenceError{Op: "create", Err: errors.New("disk full")}, http.StatusInternalServerError},
		"missing user": {&facts.NotFoundError{Kind: "input", ID: "asha"}, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := newFake()
			svc.processErr = tc.err
			rec := do(t, newTestServer(t, svc), "POST", "/api/users/asha/process", "")
			assert.Equal(t, tc.status, rec.Code)
			var report kernel.UserReport
			decode(t, rec, &report)
			assert.NotEmpty(t, report.Error)
		})
	}
}

func TestReprocessConflict(t *testing.T) {
	rec := do(t, newTestServer(t, newFake()), "POST", "/api/nodes/n1/reprocess", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t, newFake())
	req := httptest.NewRequest("OPTIONS", "/api/nodes/n1/approve", nil)
	req.Header.Set("Origin", "https://review.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "https://review.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	defer rl.Stop()
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestUnknownRoute(t *testing.T) {
	rec := do(t, newTestServer(t, newFake()), "GET", "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeWorkflows struct {
	sent    []string
	sendErr error
}

func (f *fakeWorkflows) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"engine":"workflows"}`))
	})
}

func (f *fakeWorkflows) SendProcessUser(ctx context.Context, userID string, force bool) (string, error) {
	f.sent = append(f.sent, kernel.EventProcessUser+":"+userID+":"+strconv.FormatBool(force))
	return "evt-1", f.sendErr
}

func (f *fakeWorkflows) SendReprocessNode(ctx context.Context, nodeID string) (string, error) {
	f.sent = append(f.sent, kernel.EventReprocessNode+":"+nodeID)
	return "evt-2", f.sendErr
}

func TestAsyncProcessQueuesWorkflows(t *testing.T) {
	svc := newFake()
	wf := &fakeWorkflows{}
	s := New(svc, Config{Workflows: wf}, zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	h := s.Handler()

	rec := do(t, h, "POST", "/api/users/asha/process?async=true&force=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	decode(t, rec, &body)
	assert.Equal(t, "evt-1", body["event_id"])
	assert.Equal(t, kernel.EventProcessUser, body["event"])
	assert.False(t, svc.gotForce, "the synchronous path must not run")

	rec = do(t, h, "POST", "/api/nodes/n1/reprocess?async=true", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"facts/user.process:asha:true", "facts/node.reprocess:n1"}, wf.sent)

	rec = do(t, h, "PUT", WorkflowPath, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workflows")

	wf.sendErr = errors.New("event api down")
	rec = do(t, h, "POST", "/api/users/asha/process?async=true", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestAsyncProcessRequiresWorkflows(t *testing.T) {
	h := newTestServer(t, newFake())

	rec := do(t, h, "POST", "/api/users/asha/process?async=true", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, "PUT", WorkflowPath, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
