// Package dgraph stores users and fact nodes in DGraph.
package dgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
	"github.com/fact-memory-kernel/internal/store"
)

// Config holds configuration for the DGraph store
type Config struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
	UIDCacheSize   int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 10 * time.Second,
		UIDCacheSize:   10000,
	}
}

const schema = `
	fact_id: string @index(exact) @upsert .
	user_id: string @index(exact) @upsert .
	display_name: string .
	layer: int @index(int) .
	fact_type: string @index(exact) .
	raw_value: string .
	concluded_fact: string .
	confidence: float .
	confidence_level: string @index(exact) .
	status: string @index(exact) .
	evidence: string .
	needs_reprocess: bool @index(bool) .
	reprocess_attempts: int .
	reprocess_exhausted: bool .
	parent_update_id: string @index(exact) .
	extraction_method: string .
	reviewed_by: string .
	reviewed_at: datetime .
	created_at: datetime @index(hour) .
	updated_at: datetime .

	type FactUser {
		user_id
		display_name
		created_at
	}

	type FactNode {
		fact_id
		user_id
		layer
		fact_type
		raw_value
		concluded_fact
		confidence
		confidence_level
		status
		evidence
		needs_reprocess
		reprocess_attempts
		reprocess_exhausted
		parent_update_id
		extraction_method
		reviewed_by
		reviewed_at
		created_at
		updated_at
	}
`

// Store is the DGraph-backed fact node store. Conditional updates read and
// write inside one transaction; DGraph aborts the later of two commits that
// touch the same predicate, which surfaces as a ConcurrentModificationError.
type Store struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	uids   *lru.Cache[string, string]
	logger *zap.Logger
	now    func() time.Time
	mu     sync.RWMutex
}

var _ store.Store = (*Store)(nil)

// timeoutInterceptor enforces a per-call deadline when the caller has none.
func timeoutInterceptor(timeout time.Duration) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{},
		cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Open connects to DGraph, retrying with a fixed interval, and applies the schema.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.UIDCacheSize <= 0 {
		cfg.UIDCacheSize = def.UIDCacheSize
	}
	logger = logger.Named("store.dgraph")

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
			grpc.WithUnaryInterceptor(timeoutInterceptor(cfg.RequestTimeout)),
		)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to DGraph, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DGraph after %d attempts: %w", cfg.MaxRetries, err)
	}

	uids, err := lru.New[string, string](cfg.UIDCacheSize)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create uid cache: %w", err)
	}

	s := &Store{
		conn:   conn,
		dg:     dgo.NewDgraphClient(api.NewDgraphClient(conn)),
		uids:   uids,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := s.dg.Alter(ctx, &api.Operation{Schema: schema}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("DGraph store connected", zap.String("address", cfg.Address))
	return s, nil
}

// Close closes the DGraph connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// dgUser and dgNode mirror the stored predicates.
type dgUser struct {
	UID         string    `json:"uid,omitempty"`
	DType       []string  `json:"dgraph.type,omitempty"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type dgNode struct {
	UID              string     `json:"uid,omitempty"`
	DType            []string   `json:"dgraph.type,omitempty"`
	FactID           string     `json:"fact_id"`
	UserID           string     `json:"user_id"`
	Layer            int        `json:"layer"`
	FactType         string     `json:"fact_type"`
	RawValue         string     `json:"raw_value"`
	ConcludedFact    string     `json:"concluded_fact"`
	Confidence       float64    `json:"confidence"`
	ConfidenceLevel  string     `json:"confidence_level"`
	Status           string     `json:"status"`
	Evidence         string     `json:"evidence"`
	NeedsReprocess   bool       `json:"needs_reprocess"`
	ReprocessCount   int        `json:"reprocess_attempts"`
	Exhausted        bool       `json:"reprocess_exhausted"`
	ParentUpdateID   string     `json:"parent_update_id,omitempty"`
	ExtractionMethod string     `json:"extraction_method"`
	ReviewedBy       string     `json:"reviewed_by,omitempty"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

const nodeFields = `uid fact_id user_id layer fact_type raw_value concluded_fact confidence
	confidence_level status evidence needs_reprocess reprocess_attempts reprocess_exhausted
	parent_update_id extraction_method reviewed_by reviewed_at created_at updated_at`

func toDG(n *facts.FactNode) (dgNode, error) {
	ev, err := jsonx.MarshalToString(n.Evidence)
	if err != nil {
		return dgNode{}, fmt.Errorf("encoding evidence: %w", err)
	}
	return dgNode{
		FactID:           n.ID,
		UserID:           n.UserID,
		Layer:            int(n.Layer),
		FactType:         n.FactType,
		RawValue:         n.RawValue,
		ConcludedFact:    n.ConcludedFact,
		Confidence:       n.Confidence,
		ConfidenceLevel:  string(n.ConfidenceLevel),
		Status:           string(n.Status),
		Evidence:         ev,
		NeedsReprocess:   n.NeedsReprocess,
		ReprocessCount:   n.ReprocessCount,
		Exhausted:        n.Exhausted,
		ParentUpdateID:   n.ParentUpdateID,
		ExtractionMethod: string(n.ExtractionMethod),
		ReviewedBy:       n.ReviewedBy,
		ReviewedAt:       n.ReviewedAt,
		CreatedAt:        n.CreatedAt,
		UpdatedAt:        n.UpdatedAt,
	}, nil
}

func (d dgNode) toFact() (*facts.FactNode, error) {
	n := &facts.FactNode{
		ID:               d.FactID,
		UserID:           d.UserID,
		Layer:            facts.Layer(d.Layer),
		FactType:         d.FactType,
		RawValue:         d.RawValue,
		ConcludedFact:    d.ConcludedFact,
		Confidence:       d.Confidence,
		ConfidenceLevel:  facts.ConfidenceLevel(d.ConfidenceLevel),
		Status:           facts.Status(d.Status),
		NeedsReprocess:   d.NeedsReprocess,
		ReprocessCount:   d.ReprocessCount,
		Exhausted:        d.Exhausted,
		ParentUpdateID:   d.ParentUpdateID,
		ExtractionMethod: facts.ExtractionMethod(d.ExtractionMethod),
		ReviewedBy:       d.ReviewedBy,
		ReviewedAt:       d.ReviewedAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.Evidence != "" {
		if err := jsonx.UnmarshalFromString(d.Evidence, &n.Evidence); err != nil {
			return nil, fmt.Errorf("decoding evidence of %s: %w", d.FactID, err)
		}
	}
	return n, nil
}

func persistErr(op string, err error) error {
	return &facts.PersistenceError{Op: op, Err: err}
}

// ── users ─────────────────────────────────────────────────────────────────

// UpsertUser implements store.Store with an upsert block keyed on user_id.
func (s *Store) UpsertUser(ctx context.Context, u facts.User) (*facts.User, error) {
	if u.ID == "" {
		return nil, persistErr("upsert user", errors.New("empty user id"))
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	query := `query q($id: string) {
		u as var(func: eq(user_id, $id)) @filter(type(FactUser))
	}`
	set := fmt.Sprintf(`uid(u) <display_name> %q .`, u.DisplayName)
	create := fmt.Sprintf("_:u <dgraph.type> \"FactUser\" .\n_:u <user_id> %q .\n_:u <display_name> %q .\n_:u <created_at> %q^^<xs:dateTime> .",
		u.ID, u.DisplayName, created.Format(time.RFC3339Nano))

	req := &api.Request{
		Query: query,
		Vars:  map[string]string{"$id": u.ID},
		Mutations: []*api.Mutation{
			{Cond: `@if(eq(len(u), 1))`, SetNquads: []byte(set)},
			{Cond: `@if(eq(len(u), 0))`, SetNquads: []byte(create)},
		},
		CommitNow: true,
	}
	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)
	if _, err := txn.Do(ctx, req); err != nil {
		return nil, persistErr("upsert user", err)
	}
	return s.GetUser(ctx, u.ID)
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, id string) (*facts.User, error) {
	query := `query q($id: string) {
		users(func: eq(user_id, $id)) @filter(type(FactUser)) { uid user_id display_name created_at }
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, map[string]string{"$id": id})
	if err != nil {
		return nil, persistErr("get user", err)
	}
	var result struct {
		Users []dgUser `json:"users"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, persistErr("get user", err)
	}
	if len(result.Users) == 0 {
		return nil, &facts.NotFoundError{Kind: "user", ID: id}
	}
	d := result.Users[0]
	return &facts.User{ID: d.UserID, DisplayName: d.DisplayName, CreatedAt: d.CreatedAt}, nil
}

// ListUsers implements store.Store.
func (s *Store) ListUsers(ctx context.Context) ([]facts.User, error) {
	query := `{ users(func: type(FactUser), orderasc: user_id) { uid user_id display_name created_at } }`
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, query)
	if err != nil {
		return nil, persistErr("list users", err)
	}
	var result struct {
		Users []dgUser `json:"users"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, persistErr("list users", err)
	}
	out := make([]facts.User, 0, len(result.Users))
	for _, d := range result.Users {
		out = append(out, facts.User{ID: d.UserID, DisplayName: d.DisplayName, CreatedAt: d.CreatedAt})
	}
	return out, nil
}

// ── nodes ─────────────────────────────────────────────────────────────────

// CreateNode implements store.Store.
func (s *Store) CreateNode(ctx context.Context, n *facts.FactNode) error {
	if _, err := s.GetUser(ctx, n.UserID); err != nil {
		return persistErr("create node", err)
	}
	store.PrepareNode(n, s.now())
	d, err := toDG(n)
	if err != nil {
		return persistErr("create node", err)
	}
	d.UID = "_:node"
	d.DType = []string{"FactNode"}
	body, err := jsonx.Marshal(d)
	if err != nil {
		return persistErr("create node", err)
	}

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Mutate(ctx, &api.Mutation{SetJson: body, CommitNow: true})
	if err != nil {
		return persistErr("create node", err)
	}
	if uid, ok := resp.Uids["node"]; ok {
		s.uids.Add(n.ID, uid)
	}
	s.logger.Debug("Created fact node",
		zap.String("id", n.ID),
		zap.String("fact_type", n.FactType))
	return nil
}

type readTxn interface {
	QueryWithVars(ctx context.Context, q string, vars map[string]string) (*api.Response, error)
}

// fetch reads one node by fact id, inside txn when it is a read-write transaction.
func (s *Store) fetch(ctx context.Context, txn readTxn, id string) (*dgNode, error) {
	var query, key string
	vars := map[string]string{}
	if uid, ok := s.uids.Get(id); ok {
		query = `query q($uid: string) { nodes(func: uid($uid)) @filter(type(FactNode)) { ` + nodeFields + ` } }`
		key = "$uid"
		vars[key] = uid
	} else {
		query = `query q($id: string) { nodes(func: eq(fact_id, $id)) @filter(type(FactNode)) { ` + nodeFields + ` } }`
		key = "$id"
		vars[key] = id
	}
	resp, err := txn.QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, persistErr("get node", err)
	}
	var result struct {
		Nodes []dgNode `json:"nodes"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, persistErr("get node", err)
	}
	if len(result.Nodes) == 0 || result.Nodes[0].FactID != id {
		if key == "$uid" {
			s.uids.Remove(id)
			return s.fetch(ctx, txn, id)
		}
		return nil, &facts.NotFoundError{Kind: "node", ID: id}
	}
	s.uids.Add(id, result.Nodes[0].UID)
	return &result.Nodes[0], nil
}

// GetNode implements store.Store.
func (s *Store) GetNode(ctx context.Context, id string) (*facts.FactNode, error) {
	d, err := s.fetch(ctx, s.dg.NewReadOnlyTxn(), id)
	if err != nil {
		return nil, err
	}
	return d.toFact()
}

// ListNodes implements store.Store.
func (s *Store) ListNodes(ctx context.Context, q facts.NodeQuery) ([]*facts.FactNode, error) {
	filters := []string{"type(FactNode)"}
	var params []string
	vars := map[string]string{}
	add := func(name, pred, typ, val string) {
		params = append(params, "$"+name+": "+typ)
		vars["$"+name] = val
		filters = append(filters, fmt.Sprintf("eq(%s, $%s)", pred, name))
	}
	if q.UserID != "" {
		add("user", "user_id", "string", q.UserID)
	}
	if q.FactType != "" {
		add("ft", "fact_type", "string", q.FactType)
	}
	if q.Layer != 0 {
		add("layer", "layer", "int", fmt.Sprint(int(q.Layer)))
	}
	if q.Status != "" {
		add("status", "status", "string", string(q.Status))
	}
	if q.NeedsReprocess != nil {
		add("nr", "needs_reprocess", "bool", fmt.Sprint(*q.NeedsReprocess))
	}
	if q.ParentUpdateID != "" {
		add("parent", "parent_update_id", "string", q.ParentUpdateID)
	}
	first := ""
	if q.Limit > 0 {
		first = fmt.Sprintf(", first: %d", q.Limit)
	}

	query := fmt.Sprintf(`query q(%s) {
		nodes(func: type(FactNode), orderasc: created_at%s) @filter(%s) { %s }
	}`, strings.Join(params, ", "), first, strings.Join(filters, " AND "), nodeFields)
	if len(params) == 0 {
		query = strings.Replace(query, "query q()", "", 1)
	}

	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, query, vars)
	if err != nil {
		return nil, persistErr("list nodes", err)
	}
	var result struct {
		Nodes []dgNode `json:"nodes"`
	}
	if err := jsonx.Unmarshal(resp.Json, &result); err != nil {
		return nil, persistErr("list nodes", err)
	}
	out := make([]*facts.FactNode, 0, len(result.Nodes))
	for _, d := range result.Nodes {
		n, err := d.toFact()
		if err != nil {
			return nil, persistErr("list nodes", err)
		}
		if store.Matches(n, q) {
			out = append(out, n)
		}
	}
	return out, nil
}

// update runs read-check-write in one transaction. check returns the
// predicate values to set, or an error to abort.
func (s *Store) update(ctx context.Context, op, id string, check func(d *dgNode) (map[string]interface{}, error)) (*facts.FactNode, error) {
	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	d, err := s.fetch(ctx, txn, id)
	if err != nil {
		return nil, err
	}
	set, err := check(d)
	if err != nil {
		return nil, err
	}
	set["uid"] = d.UID
	set["updated_at"] = s.now()
	body, err := jsonx.Marshal(set)
	if err != nil {
		return nil, persistErr(op, err)
	}
	if _, err := txn.Mutate(ctx, &api.Mutation{SetJson: body}); err != nil {
		return nil, persistErr(op, err)
	}
	if err := txn.Commit(ctx); err != nil {
		if errors.Is(err, dgo.ErrAborted) {
			return nil, &facts.ConcurrentModificationError{NodeID: id, Expected: d.Status}
		}
		return nil, persistErr(op, err)
	}
	return s.GetNode(ctx, id)
}

// TransitionStatus implements store.Store.
func (s *Store) TransitionStatus(ctx context.Context, id string, t facts.Transition) (*facts.FactNode, error) {
	if t.To != facts.StatusApproved && t.To != facts.StatusRejected {
		return nil, &facts.InvalidTransitionError{NodeID: id, From: facts.StatusPending, To: t.To, Reason: "not a terminal status"}
	}
	at := t.ReviewedAt
	if at.IsZero() {
		at = s.now()
	}
	return s.update(ctx, "transition status", id, func(d *dgNode) (map[string]interface{}, error) {
		if d.Status != string(facts.StatusPending) {
			return nil, &facts.ConcurrentModificationError{NodeID: id, Expected: string(facts.StatusPending)}
		}
		set := map[string]interface{}{
			"status":      string(t.To),
			"reviewed_by": t.ReviewedBy,
			"reviewed_at": at,
		}
		if t.To == facts.StatusRejected {
			set["needs_reprocess"] = true
		}
		return set, nil
	})
}

// UpdateEvidence implements store.Store.
func (s *Store) UpdateEvidence(ctx context.Context, id string, expected facts.Status, evidence []facts.Evidence, confidence float64, level facts.ConfidenceLevel) (*facts.FactNode, error) {
	enc, err := jsonx.MarshalToString(evidence)
	if err != nil {
		return nil, persistErr("update evidence", err)
	}
	return s.update(ctx, "update evidence", id, func(d *dgNode) (map[string]interface{}, error) {
		if d.Status != string(expected) {
			return nil, &facts.ConcurrentModificationError{NodeID: id, Expected: string(expected)}
		}
		return map[string]interface{}{
			"evidence":         enc,
			"confidence":       facts.ClampConfidence(confidence),
			"confidence_level": string(level),
		}, nil
	})
}

func awaitingReprocess(d *dgNode) bool {
	return d.Status == string(facts.StatusRejected) && d.NeedsReprocess
}

// SpawnChildren implements store.Store.
func (s *Store) SpawnChildren(ctx context.Context, parentID string, children []*facts.FactNode) ([]*facts.FactNode, error) {
	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	parent, err := s.fetch(ctx, txn, parentID)
	if err != nil {
		return nil, err
	}
	if !awaitingReprocess(parent) {
		return nil, &facts.ConcurrentModificationError{NodeID: parentID, Expected: "rejected awaiting reprocess"}
	}

	now := s.now()
	batch := []interface{}{map[string]interface{}{
		"uid":                parent.UID,
		"needs_reprocess":    false,
		"reprocess_attempts": parent.ReprocessCount + 1,
		"updated_at":         now,
	}}
	for i, c := range children {
		c.ParentUpdateID = parentID
		c.ExtractionMethod = facts.MethodReprocess
		c.Status = facts.StatusPending
		store.PrepareNode(c, now)
		d, err := toDG(c)
		if err != nil {
			return nil, persistErr("spawn children", err)
		}
		d.UID = fmt.Sprintf("_:child%d", i)
		d.DType = []string{"FactNode"}
		batch = append(batch, d)
	}
	body, err := jsonx.Marshal(batch)
	if err != nil {
		return nil, persistErr("spawn children", err)
	}
	resp, err := txn.Mutate(ctx, &api.Mutation{SetJson: body})
	if err != nil {
		return nil, persistErr("spawn children", err)
	}
	if err := txn.Commit(ctx); err != nil {
		if errors.Is(err, dgo.ErrAborted) {
			return nil, &facts.ConcurrentModificationError{NodeID: parentID, Expected: "rejected awaiting reprocess"}
		}
		return nil, persistErr("spawn children", err)
	}
	for i, c := range children {
		if uid, ok := resp.Uids[fmt.Sprintf("child%d", i)]; ok {
			s.uids.Add(c.ID, uid)
		}
	}
	return children, nil
}

// RecordReprocessAttempt implements store.Store.
func (s *Store) RecordReprocessAttempt(ctx context.Context, id string, maxAttempts int) (*facts.FactNode, error) {
	return s.update(ctx, "record reprocess attempt", id, func(d *dgNode) (map[string]interface{}, error) {
		if !awaitingReprocess(d) {
			return nil, &facts.ConcurrentModificationError{NodeID: id, Expected: "rejected awaiting reprocess"}
		}
		attempts := d.ReprocessCount + 1
		exhausted := attempts >= maxAttempts
		return map[string]interface{}{
			"reprocess_attempts":  attempts,
			"reprocess_exhausted": exhausted,
			"needs_reprocess":     !exhausted,
		}, nil
	})
}
