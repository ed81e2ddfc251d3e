// Package sqlite implements the fact node store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/jsonx"
	"github.com/fact-memory-kernel/internal/store"
)

// Config configures the SQLite store.
type Config struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
}

// Store is the SQLite-backed fact node store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger.Named("store.sqlite"), now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	s.logger.Info("SQLite store ready", zap.String("path", cfg.Path))
	return s, nil
}

// DB exposes the handle so the processing ledger can share the database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fact_nodes (
			id                  TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL REFERENCES users(id),
			layer               INTEGER NOT NULL CHECK (layer BETWEEN 1 AND 4),
			fact_type           TEXT NOT NULL,
			raw_value           TEXT NOT NULL,
			concluded_fact      TEXT NOT NULL DEFAULT '',
			confidence          REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			confidence_level    TEXT NOT NULL,
			status              TEXT NOT NULL CHECK (status IN ('pending','approved','rejected')),
			evidence            TEXT NOT NULL DEFAULT '[]',
			needs_reprocess     INTEGER NOT NULL DEFAULT 0,
			reprocess_attempts  INTEGER NOT NULL DEFAULT 0,
			reprocess_exhausted INTEGER NOT NULL DEFAULT 0,
			parent_update_id    TEXT REFERENCES fact_nodes(id),
			extraction_method   TEXT NOT NULL DEFAULT 'initial',
			reviewed_by         TEXT,
			reviewed_at         TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_nodes_user_type ON fact_nodes(user_id, fact_type)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_nodes_status ON fact_nodes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_fact_nodes_reprocess ON fact_nodes(needs_reprocess) WHERE needs_reprocess = 1`,
		`CREATE INDEX IF NOT EXISTS idx_fact_nodes_parent ON fact_nodes(parent_update_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing %q: %w", strings.SplitN(stmt, "(", 2)[0], err)
		}
	}
	return nil
}

// timeLayout keeps every stored timestamp the same width so that text order
// in ORDER BY matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func persistErr(op string, err error) error {
	return &facts.PersistenceError{Op: op, Err: err}
}

// ── users ─────────────────────────────────────────────────────────────────

// UpsertUser implements store.Store.
func (s *Store) UpsertUser(ctx context.Context, u facts.User) (*facts.User, error) {
	if u.ID == "" {
		return nil, persistErr("upsert user", errors.New("empty user id"))
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		u.ID, u.DisplayName, formatTime(u.CreatedAt))
	if err != nil {
		return nil, persistErr("upsert user", err)
	}
	return s.GetUser(ctx, u.ID)
}

// GetUser implements store.Store.
func (s *Store) GetUser(ctx context.Context, id string) (*facts.User, error) {
	var u facts.User
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.DisplayName, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &facts.NotFoundError{Kind: "user", ID: id}
	}
	if err != nil {
		return nil, persistErr("get user", err)
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

// ListUsers implements store.Store.
func (s *Store) ListUsers(ctx context.Context) ([]facts.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, persistErr("list users", err)
	}
	defer rows.Close()

	var out []facts.User
	for rows.Next() {
		var u facts.User
		var created string
		if err := rows.Scan(&u.ID, &u.DisplayName, &created); err != nil {
			return nil, persistErr("list users", err)
		}
		u.CreatedAt = parseTime(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list users", err)
	}
	return out, nil
}

// ── nodes ─────────────────────────────────────────────────────────────────

const nodeColumns = `id, user_id, layer, fact_type, raw_value, concluded_fact, confidence, confidence_level,
	status, evidence, needs_reprocess, reprocess_attempts, reprocess_exhausted, parent_update_id,
	extraction_method, reviewed_by, reviewed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(r rowScanner) (*facts.FactNode, error) {
	var (
		n                              facts.FactNode
		layer                          int
		evidence, level, status        string
		method, created, updated       string
		parent, reviewedBy, reviewedAt sql.NullString
		needsReprocess, exhausted      bool
	)
	err := r.Scan(&n.ID, &n.UserID, &layer, &n.FactType, &n.RawValue, &n.ConcludedFact,
		&n.Confidence, &level, &status, &evidence, &needsReprocess, &n.ReprocessCount, &exhausted,
		&parent, &method, &reviewedBy, &reviewedAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	n.Layer = facts.Layer(layer)
	n.ConfidenceLevel = facts.ConfidenceLevel(level)
	n.Status = facts.Status(status)
	n.NeedsReprocess = needsReprocess
	n.Exhausted = exhausted
	n.ParentUpdateID = parent.String
	n.ExtractionMethod = facts.ExtractionMethod(method)
	n.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid && reviewedAt.String != "" {
		t := parseTime(reviewedAt.String)
		n.ReviewedAt = &t
	}
	n.CreatedAt = parseTime(created)
	n.UpdatedAt = parseTime(updated)
	if err := jsonx.UnmarshalFromString(evidence, &n.Evidence); err != nil {
		return nil, fmt.Errorf("decoding evidence of %s: %w", n.ID, err)
	}
	return &n, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func insertNode(ctx context.Context, db execer, n *facts.FactNode) error {
	evidence, err := jsonx.MarshalToString(n.Evidence)
	if err != nil {
		return fmt.Errorf("encoding evidence: %w", err)
	}
	var reviewedAt interface{}
	if n.ReviewedAt != nil {
		reviewedAt = formatTime(*n.ReviewedAt)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO fact_nodes (`+nodeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, int(n.Layer), n.FactType, n.RawValue, n.ConcludedFact, n.Confidence,
		string(n.ConfidenceLevel), string(n.Status), evidence, n.NeedsReprocess, n.ReprocessCount,
		n.Exhausted, nullable(n.ParentUpdateID), string(n.ExtractionMethod), nullable(n.ReviewedBy),
		reviewedAt, formatTime(n.CreatedAt), formatTime(n.UpdatedAt))
	return err
}

// CreateNode implements store.Store.
func (s *Store) CreateNode(ctx context.Context, n *facts.FactNode) error {
	store.PrepareNode(n, s.now())
	if err := insertNode(ctx, s.db, n); err != nil {
		return persistErr("create node", err)
	}
	return nil
}

// GetNode implements store.Store.
func (s *Store) GetNode(ctx context.Context, id string) (*facts.FactNode, error) {
	return getNode(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getNode(ctx context.Context, db querier, id string) (*facts.FactNode, error) {
	n, err := scanNode(db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM fact_nodes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &facts.NotFoundError{Kind: "node", ID: id}
	}
	if err != nil {
		return nil, persistErr("get node", err)
	}
	return n, nil
}

// ListNodes implements store.Store.
func (s *Store) ListNodes(ctx context.Context, q facts.NodeQuery) ([]*facts.FactNode, error) {
	var where []string
	var args []interface{}
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.FactType != "" {
		where = append(where, "fact_type = ?")
		args = append(args, q.FactType)
	}
	if q.Layer != 0 {
		where = append(where, "layer = ?")
		args = append(args, int(q.Layer))
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if q.NeedsReprocess != nil {
		where = append(where, "needs_reprocess = ?")
		args = append(args, *q.NeedsReprocess)
	}
	if q.ParentUpdateID != "" {
		where = append(where, "parent_update_id = ?")
		args = append(args, q.ParentUpdateID)
	}

	query := `SELECT ` + nodeColumns + ` FROM fact_nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistErr("list nodes", err)
	}
	defer rows.Close()

	var out []*facts.FactNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, persistErr("list nodes", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list nodes", err)
	}
	return out, nil
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE fact_nodes
		    SET status = ?, reviewed_by = ?, reviewed_at = ?, updated_at = ?,
		        needs_reprocess = CASE WHEN ? = 'rejected' THEN 1 ELSE needs_reprocess END
		  WHERE id = ? AND status = 'pending'`,
		string(t.To), t.ReviewedBy, formatTime(at), formatTime(s.now()), string(t.To), id)
	if err != nil {
		return nil, persistErr("transition status", err)
	}
	if err := s.expectOneRow(ctx, res, id, string(facts.StatusPending)); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

// UpdateEvidence implements store.Store.
func (s *Store) UpdateEvidence(ctx context.Context, id string, expected facts.Status, evidence []facts.Evidence, confidence float64, level facts.ConfidenceLevel) (*facts.FactNode, error) {
	enc, err := jsonx.MarshalToString(evidence)
	if err != nil {
		return nil, persistErr("update evidence", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE fact_nodes SET evidence = ?, confidence = ?, confidence_level = ?, updated_at = ?
		  WHERE id = ? AND status = ?`,
		enc, facts.ClampConfidence(confidence), string(level), formatTime(s.now()), id, string(expected))
	if err != nil {
		return nil, persistErr("update evidence", err)
	}
	if err := s.expectOneRow(ctx, res, id, string(expected)); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}

// expectOneRow turns a zero-row conditional update into NotFound or a lost race.
func (s *Store) expectOneRow(ctx context.Context, res sql.Result, id, expected string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return persistErr("rows affected", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetNode(ctx, id); err != nil {
		return err
	}
	return &facts.ConcurrentModificationError{NodeID: id, Expected: expected}
}

// SpawnChildren implements store.Store.
func (s *Store) SpawnChildren(ctx context.Context, parentID string, children []*facts.FactNode) ([]*facts.FactNode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistErr("spawn children", err)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`UPDATE fact_nodes
		    SET needs_reprocess = 0, reprocess_attempts = reprocess_attempts + 1, updated_at = ?
		  WHERE id = ? AND status = 'rejected' AND needs_reprocess = 1`,
		formatTime(now), parentID)
	if err != nil {
		return nil, persistErr("spawn children", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		if _, err := getNode(ctx, tx, parentID); err != nil {
			return nil, err
		}
		return nil, &facts.ConcurrentModificationError{NodeID: parentID, Expected: "rejected awaiting reprocess"}
	}

	for _, c := range children {
		c.ParentUpdateID = parentID
		c.ExtractionMethod = facts.MethodReprocess
		c.Status = facts.StatusPending
		store.PrepareNode(c, now)
		if err := insertNode(ctx, tx, c); err != nil {
			return nil, persistErr("spawn children", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, persistErr("spawn children", err)
	}
	return children, nil
}

// RecordReprocessAttempt implements store.Store.
func (s *Store) RecordReprocessAttempt(ctx context.Context, id string, maxAttempts int) (*facts.FactNode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE fact_nodes
		    SET reprocess_attempts = reprocess_attempts + 1,
		        reprocess_exhausted = CASE WHEN reprocess_attempts + 1 >= ? THEN 1 ELSE 0 END,
		        needs_reprocess = CASE WHEN reprocess_attempts + 1 >= ? THEN 0 ELSE 1 END,
		        updated_at = ?
		  WHERE id = ? AND status = 'rejected' AND needs_reprocess = 1`,
		maxAttempts, maxAttempts, formatTime(s.now()), id)
	if err != nil {
		return nil, persistErr("record reprocess attempt", err)
	}
	if err := s.expectOneRow(ctx, res, id, "rejected awaiting reprocess"); err != nil {
		return nil, err
	}
	return s.GetNode(ctx, id)
}
