package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/order-placement/internal/port"
)

const (
	lockKeyPrefix        = "lock:product:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
	lockRetryInterval    = 10 * time.Millisecond
)

var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// RedisAdapter provides cross-process product locks and idempotency keys.
type RedisAdapter struct {
	client  *redis.Client
	lockTTL time.Duration
	wait    time.Duration
}

// NewRedisAdapter expires locks after lockTTL so a crashed holder cannot
// block a product forever. wait bounds each Lock call when positive.
func NewRedisAdapter(client *redis.Client, lockTTL, wait time.Duration) *RedisAdapter {
	return &RedisAdapter{client: client, lockTTL: lockTTL, wait: wait}
}

func (r *RedisAdapter) Lock(ctx context.Context, productIDs []string) (port.UnlockFunc, error) {
	if r.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	token := uuid.NewString()
	keys := sortedUnique(productIDs)
	held := make([]string, 0, len(keys))

	for _, id := range keys {
		key := lockKeyPrefix + id
		if err := r.acquire(ctx, key, token); err != nil {
			if relErr := r.release(context.WithoutCancel(ctx), held, token); relErr != nil {
				err = errors.Join(err, relErr)
			}
			return nil, fmt.Errorf("lock product %s: %w", id, err)
		}
		held = append(held, key)
	}

	return func(ctx context.Context) error {
		return r.release(ctx, held, token)
	}, nil
}

func (r *RedisAdapter) acquire(ctx context.Context, key, token string) error {
	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisAdapter) release(ctx context.Context, keys []string, token string) error {
	var errs []error
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseLockScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", keys[i], err))
		}
	}
	return errors.Join(errs...)
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}
