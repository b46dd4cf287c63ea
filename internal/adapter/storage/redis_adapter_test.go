package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, 5*time.Second, time.Second)

	// Setup
	client.Del(ctx, lockKeyPrefix+"lock-a", lockKeyPrefix+"lock-b")

	unlock, err := adapter.Lock(ctx, []string{"lock-b", "lock-a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, _ := client.Exists(ctx, lockKeyPrefix+"lock-a", lockKeyPrefix+"lock-b").Result()
	if n != 2 {
		t.Errorf("expected 2 lock keys, got %d", n)
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	n, _ = client.Exists(ctx, lockKeyPrefix+"lock-a", lockKeyPrefix+"lock-b").Result()
	if n != 0 {
		t.Errorf("expected lock keys to be gone, got %d", n)
	}
}

func TestRedisLock_TimesOutWhileHeld(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, 5*time.Second, 50*time.Millisecond)

	// Setup
	client.Del(ctx, lockKeyPrefix+"held", lockKeyPrefix+"free")

	unlock, err := adapter.Lock(ctx, []string{"held"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock(ctx)

	if _, err := adapter.Lock(ctx, []string{"free", "held"}); err == nil {
		t.Fatal("expected lock timeout")
	}

	// The partially acquired key must not leak.
	n, _ := client.Exists(ctx, lockKeyPrefix+"free").Result()
	if n != 0 {
		t.Error("expected partially acquired lock to be released")
	}
}

func TestRedisLock_ReleaseKeepsForeignToken(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, 5*time.Second, time.Second)

	// Setup
	client.Del(ctx, lockKeyPrefix+"stolen")

	unlock, err := adapter.Lock(ctx, []string{"stolen"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate expiry and takeover by another holder.
	client.Set(ctx, lockKeyPrefix+"stolen", "someone-else", time.Minute)

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}

	owner, _ := client.Get(ctx, lockKeyPrefix+"stolen").Result()
	if owner != "someone-else" {
		t.Errorf("expected foreign lock to survive, got %q", owner)
	}
	client.Del(ctx, lockKeyPrefix+"stolen")
}

func TestRedisLock_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, 5*time.Second, 5*time.Second)

	// Setup
	client.Del(ctx, lockKeyPrefix+"concurrent-test")

	var inside, maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := adapter.Lock(ctx, []string{"concurrent-test"})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			cur := inside.Add(1)
			for {
				prev := maxSeen.Load()
				if cur <= prev || maxSeen.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			_ = unlock(ctx)
		}()
	}

	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("expected exclusive access, saw %d holders", maxSeen.Load())
	}
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Second, time.Second)

	// Setup
	client.Del(ctx, idempotencyKeyPrefix+"test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}

	// Released keys can be claimed again
	if err := adapter.ReleaseIdempotency(ctx, "test-idem-key"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected call after release to succeed")
	}
	client.Del(ctx, idempotencyKeyPrefix+"test-idem-key")
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client, time.Second, time.Second)

	// Setup
	client.Del(ctx, idempotencyKeyPrefix+"concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}
