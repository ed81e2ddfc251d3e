package ledger

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"
)

func newSQLiteLedger(t *testing.T) *SQLite {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	l, err := NewSQLite(db, time.Minute, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l
}

// exerciseLedger runs the shared contract against any implementation.
func exerciseLedger(t *testing.T, l Ledger, user string) {
	ctx := context.Background()

	ok, err := l.ShouldProcess(ctx, user, "fp1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Claim(ctx, user, "fp1", false))
	assert.ErrorIs(t, l.Claim(ctx, user, "fp1", false), ErrInProgress)

	// A failed run leaves nothing recorded.
	require.NoError(t, l.Release(ctx, user, "fp1"))
	ok, err = l.ShouldProcess(ctx, user, "fp1", false)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, l.Claim(ctx, user, "fp1", false))
	require.NoError(t, l.RecordProcessed(ctx, user, "fp1", Summary{NewFacts: 3}))

	ok, err = l.ShouldProcess(ctx, user, "fp1", false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, l.Claim(ctx, user, "fp1", false), ErrAlreadyProcessed)

	ok, err = l.ShouldProcess(ctx, user, "fp1", true)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Claim(ctx, user, "fp1", true))
	require.NoError(t, l.RecordProcessed(ctx, user, "fp1", Summary{Merged: 3, Forced: true}))

	history, err := l.History(ctx, user)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].Runs)
	assert.True(t, history[0].Summary.Forced)

	n, err := l.Forget(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ok, err = l.ShouldProcess(ctx, user, "fp1", false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteLedger(t *testing.T) {
	exerciseLedger(t, newSQLiteLedger(t), "asha")
}

func TestSQLiteLedgerExpiredClaim(t *testing.T) {
	l := newSQLiteLedger(t)
	ctx := context.Background()
	now := time.Now().UTC()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Claim(ctx, "asha", "fp", false))
	assert.ErrorIs(t, l.Claim(ctx, "asha", "fp", false), ErrInProgress)

	now = now.Add(2 * time.Minute)
	assert.NoError(t, l.Claim(ctx, "asha", "fp", false))
}

func TestSQLiteLedgerHistoryNewestFirst(t *testing.T) {
	l := newSQLiteLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)

	for _, c := range []struct {
		fp string
		at time.Time
	}{
		{"fp-a", base.Add(120 * time.Millisecond)},
		{"fp-b", base.Add(123 * time.Millisecond)},
		{"fp-c", base.Add(time.Second)},
	} {
		at := c.at
		l.now = func() time.Time { return at }
		require.NoError(t, l.Claim(ctx, "asha", c.fp, false))
		require.NoError(t, l.RecordProcessed(ctx, "asha", c.fp, Summary{}))
	}

	history, err := l.History(ctx, "asha")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "fp-c", history[0].Fingerprint)
	assert.Equal(t, "fp-b", history[1].Fingerprint)
	assert.Equal(t, "fp-a", history[2].Fingerprint)
	assert.True(t, base.Add(120*time.Millisecond).Equal(history[2].ProcessedAt))
}

func TestRedisLedger(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping Redis integration test. Set TEST_REDIS_ADDR to run.")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	exerciseLedger(t, NewRedis(client, time.Minute, zaptest.NewLogger(t)), "it-"+uuid.NewString())
}
