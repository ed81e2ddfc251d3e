package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/jsonx"
)

// Redis is a Ledger shared by every kernel instance pointed at one Redis.
//
// Keys: ledger:done:<user>:<fp> holds the Entry, ledger:inputs:<user> is the
// set of the user's fingerprints, ledger:claim:<user>:<fp> is the claim with
// the lease as TTL.
type Redis struct {
	redis  *redis.Client
	lease  time.Duration
	logger *zap.Logger
}

var _ Ledger = (*Redis)(nil)

// NewRedis creates a Redis ledger.
func NewRedis(client *redis.Client, lease time.Duration, logger *zap.Logger) *Redis {
	if lease <= 0 {
		lease = DefaultLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{redis: client, lease: lease, logger: logger.Named("ledger")}
}

func doneKey(userID, fp string) string  { return fmt.Sprintf("ledger:done:%s:%s", userID, fp) }
func claimKey(userID, fp string) string { return fmt.Sprintf("ledger:claim:%s:%s", userID, fp) }
func inputsKey(userID string) string    { return "ledger:inputs:" + userID }

// ShouldProcess implements Ledger.
func (r *Redis) ShouldProcess(ctx context.Context, userID, fingerprint string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	n, err := r.redis.Exists(ctx, doneKey(userID, fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("checking ledger: %w", err)
	}
	return n == 0, nil
}

// Claim implements Ledger. The claim is taken first so that a run recording
// between the two steps cannot be missed.
func (r *Redis) Claim(ctx context.Context, userID, fingerprint string, force bool) error {
	ok, err := r.redis.SetNX(ctx, claimKey(userID, fingerprint), "1", r.lease).Result()
	if err != nil {
		return fmt.Errorf("taking claim: %w", err)
	}
	if !ok {
		return ErrInProgress
	}
	if force {
		return nil
	}
	n, err := r.redis.Exists(ctx, doneKey(userID, fingerprint)).Result()
	if err != nil {
		_ = r.Release(ctx, userID, fingerprint)
		return fmt.Errorf("checking ledger: %w", err)
	}
	if n > 0 {
		_ = r.Release(ctx, userID, fingerprint)
		return ErrAlreadyProcessed
	}
	return nil
}

// RecordProcessed implements Ledger.
func (r *Redis) RecordProcessed(ctx context.Context, userID, fingerprint string, summary Summary) error {
	entry := Entry{UserID: userID, Fingerprint: fingerprint, Summary: summary, Runs: 1, ProcessedAt: time.Now().UTC()}
	if prev, err := r.redis.Get(ctx, doneKey(userID, fingerprint)).Bytes(); err == nil {
		var old Entry
		if jsonx.Unmarshal(prev, &old) == nil {
			entry.Runs = old.Runs + 1
		}
	} else if !errors.Is(err, redis.Nil) {
		return fmt.Errorf("reading ledger: %w", err)
	}

	data, err := jsonx.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, doneKey(userID, fingerprint), data, 0)
	pipe.SAdd(ctx, inputsKey(userID), fingerprint)
	pipe.Del(ctx, claimKey(userID, fingerprint))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording input: %w", err)
	}
	return nil
}

// Release implements Ledger.
func (r *Redis) Release(ctx context.Context, userID, fingerprint string) error {
	if err := r.redis.Del(ctx, claimKey(userID, fingerprint)).Err(); err != nil {
		return fmt.Errorf("releasing claim: %w", err)
	}
	return nil
}

// Forget implements Ledger.
func (r *Redis) Forget(ctx context.Context, userID string) (int, error) {
	fps, err := r.redis.SMembers(ctx, inputsKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("listing inputs: %w", err)
	}
	if len(fps) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(fps)+1)
	for _, fp := range fps {
		keys = append(keys, doneKey(userID, fp))
	}
	keys = append(keys, inputsKey(userID))
	n, err := r.redis.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("forgetting user: %w", err)
	}
	removed := int(n) - 1
	if removed < 0 {
		removed = 0
	}
	r.logger.Info("Ledger entries removed", zap.String("user_id", userID), zap.Int("count", removed))
	return removed, nil
}

// History implements Ledger.
func (r *Redis) History(ctx context.Context, userID string) ([]Entry, error) {
	fps, err := r.redis.SMembers(ctx, inputsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing inputs: %w", err)
	}
	var out []Entry
	for _, fp := range fps {
		data, err := r.redis.Get(ctx, doneKey(userID, fp)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading entry: %w", err)
		}
		var e Entry
		if err := jsonx.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding entry: %w", err)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.After(out[j].ProcessedAt) })
	return out, nil
}
