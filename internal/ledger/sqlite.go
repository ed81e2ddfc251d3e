package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/jsonx"
)

// SQLite is a Ledger stored in SQLite tables next to the fact nodes.
type SQLite struct {
	db     *sql.DB
	lease  time.Duration
	logger *zap.Logger
	now    func() time.Time
}

var _ Ledger = (*SQLite)(nil)

// NewSQLite creates the ledger tables on db if needed.
func NewSQLite(db *sql.DB, lease time.Duration, logger *zap.Logger) (*SQLite, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &SQLite{db: db, lease: lease, logger: logger.Named("ledger"), now: func() time.Time { return time.Now().UTC() }}
	if err := l.migrate(); err != nil {
		return nil, fmt.Errorf("running ledger migrations: %w", err)
	}
	return l, nil
}

func (l *SQLite) migrate() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS processed_inputs (
			user_id      TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			summary      TEXT NOT NULL DEFAULT '{}',
			runs         INTEGER NOT NULL DEFAULT 1,
			processed_at TEXT NOT NULL,
			PRIMARY KEY (user_id, fingerprint)
		)`,
		`CREATE TABLE IF NOT EXISTS processing_claims (
			user_id       TEXT NOT NULL,
			fingerprint   TEXT NOT NULL,
			claimed_until TEXT NOT NULL,
			PRIMARY KEY (user_id, fingerprint)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := l.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ShouldProcess implements Ledger.
func (l *SQLite) ShouldProcess(ctx context.Context, userID, fingerprint string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_inputs WHERE user_id = ? AND fingerprint = ?`,
		userID, fingerprint).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking ledger: %w", err)
	}
	return n == 0, nil
}

// Claim implements Ledger.
func (l *SQLite) Claim(ctx context.Context, userID, fingerprint string, force bool) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	if !force {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM processed_inputs WHERE user_id = ? AND fingerprint = ?`,
			userID, fingerprint).Scan(&n); err != nil {
			return fmt.Errorf("checking ledger: %w", err)
		}
		if n > 0 {
			return ErrAlreadyProcessed
		}
	}

	now := l.now()
	var until string
	err = tx.QueryRowContext(ctx,
		`SELECT claimed_until FROM processing_claims WHERE user_id = ? AND fingerprint = ?`,
		userID, fingerprint).Scan(&until)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("checking claim: %w", err)
	default:
		if t, perr := time.Parse(time.RFC3339Nano, until); perr == nil && t.After(now) {
			return ErrInProgress
		}
		l.logger.Warn("Taking over expired claim",
			zap.String("user_id", userID),
			zap.String("claimed_until", until))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processing_claims (user_id, fingerprint, claimed_until) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, fingerprint) DO UPDATE SET claimed_until = excluded.claimed_until`,
		userID, fingerprint, formatTime(now.Add(l.lease))); err != nil {
		return fmt.Errorf("writing claim: %w", err)
	}
	return tx.Commit()
}

// RecordProcessed implements Ledger.
func (l *SQLite) RecordProcessed(ctx context.Context, userID, fingerprint string, summary Summary) error {
	enc, err := jsonx.MarshalToString(summary)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO processed_inputs (user_id, fingerprint, summary, runs, processed_at) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(user_id, fingerprint) DO UPDATE
		    SET summary = excluded.summary, runs = runs + 1, processed_at = excluded.processed_at`,
		userID, fingerprint, enc, formatTime(l.now())); err != nil {
		return fmt.Errorf("recording input: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processing_claims WHERE user_id = ? AND fingerprint = ?`,
		userID, fingerprint); err != nil {
		return fmt.Errorf("dropping claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	l.logger.Debug("Input recorded",
		zap.String("user_id", userID),
		zap.Int("new_facts", summary.NewFacts))
	return nil
}

// Release implements Ledger.
func (l *SQLite) Release(ctx context.Context, userID, fingerprint string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM processing_claims WHERE user_id = ? AND fingerprint = ?`, userID, fingerprint)
	if err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return nil
}

// Forget implements Ledger.
func (l *SQLite) Forget(ctx context.Context, userID string) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM processed_inputs WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("forgetting user: %w", err)
	}
	n, _ := res.RowsAffected()
	l.logger.Info("Ledger entries removed", zap.String("user_id", userID), zap.Int64("count", n))
	return int(n), nil
}

// History implements Ledger.
func (l *SQLite) History(ctx context.Context, userID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT user_id, fingerprint, summary, runs, processed_at FROM processed_inputs
		  WHERE user_id = ? ORDER BY processed_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var summary, at string
		if err := rows.Scan(&e.UserID, &e.Fingerprint, &summary, &e.Runs, &at); err != nil {
			return nil, fmt.Errorf("reading history: %w", err)
		}
		if err := jsonx.UnmarshalFromString(summary, &e.Summary); err != nil {
			return nil, fmt.Errorf("decoding summary: %w", err)
		}
		e.ProcessedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// timeLayout is fixed width so processed_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
