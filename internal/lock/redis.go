package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// renewScript extends the key only if this holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Redis is a distributed Locker. Held locks are renewed every timeout/3 so
// long batches keep them, and expire on their own if the holder dies.
type Redis struct {
	redis   *redis.Client
	logger  *zap.Logger
	timeout time.Duration
}

// NewRedis creates a Redis locker. timeout <= 0 means 30 seconds.
func NewRedis(client *redis.Client, timeout time.Duration, logger *zap.Logger) *Redis {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		redis:   client,
		logger:  logger.Named("lock"),
		timeout: timeout,
	}
}

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, key string) (Lock, error) {
	if key == "" {
		return nil, fmt.Errorf("lock key cannot be empty")
	}
	rkey := "lock:" + key
	token := uuid.NewString()

	acquired, err := r.redis.SetNX(ctx, rkey, token, r.timeout).Result()
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return nil, ErrLocked
	}

	rl := &redisLock{
		owner: r,
		key:   rkey,
		token: token,
		tick:  time.NewTicker(r.timeout / 3),
		done:  make(chan struct{}),
	}
	go rl.renew()

	r.logger.Debug("Lock acquired",
		zap.String("key", key),
		zap.Duration("timeout", r.timeout))
	return rl, nil
}

// ForceRelease deletes a lock regardless of holder. Recovery only.
func (r *Redis) ForceRelease(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, "lock:"+key).Err(); err != nil {
		return fmt.Errorf("failed to force release lock: %w", err)
	}
	r.logger.Info("Forcibly released lock", zap.String("key", key))
	return nil
}

type redisLock struct {
	owner *Redis
	key   string
	token string
	tick  *time.Ticker
	done  chan struct{}
	once  sync.Once
}

func (rl *redisLock) renew() {
	for {
		select {
		case <-rl.tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), rl.owner.timeout/3)
			err := renewScript.Run(ctx, rl.owner.redis, []string{rl.key}, rl.token, rl.owner.timeout.Milliseconds()).Err()
			cancel()
			if err != nil {
				rl.owner.logger.Warn("Lock renewal failed", zap.String("key", rl.key), zap.Error(err))
			}
		case <-rl.done:
			return
		}
	}
}

func (rl *redisLock) Release() {
	rl.once.Do(func() {
		close(rl.done)
		rl.tick.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, rl.owner.redis, []string{rl.key}, rl.token).Err(); err != nil {
			rl.owner.logger.Warn("Lock release failed", zap.String("key", rl.key), zap.Error(err))
			return
		}
		rl.owner.logger.Debug("Lock released", zap.String("key", rl.key))
	})
}
