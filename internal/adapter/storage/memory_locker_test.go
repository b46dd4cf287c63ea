package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_BlocksOverlappingKeys(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, []string{"p2", "p1"})
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := l.Lock(ctx, []string{"p1"})
		if err == nil {
			close(acquired)
			_ = u(ctx)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, unlock(ctx))

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock not acquired after release")
	}
}

func TestMemoryLocker_DisjointKeysDoNotBlock(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	u1, err := l.Lock(ctx, []string{"p1"})
	require.NoError(t, err)
	defer u1(ctx)

	u2, err := l.Lock(ctx, []string{"p2"})
	require.NoError(t, err)
	require.NoError(t, u2(ctx))
}

func TestMemoryLocker_WaitTimeout(t *testing.T) {
	l := NewMemoryLocker(20 * time.Millisecond)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, []string{"p1"})
	require.NoError(t, err)
	defer unlock(ctx)

	_, err = l.Lock(ctx, []string{"p0", "p1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// p0 must have been released by the failed attempt.
	u, err := l.Lock(ctx, []string{"p0"})
	require.NoError(t, err)
	require.NoError(t, u(ctx))
}

func TestMemoryLocker_UnlockIsIdempotent(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, []string{"p1", "p1"})
	require.NoError(t, err)
	require.NoError(t, unlock(ctx))
	require.NoError(t, unlock(ctx))

	u, err := l.Lock(ctx, []string{"p1"})
	require.NoError(t, err)
	require.NoError(t, u(ctx))
}

func TestMemoryLocker_Concurrent(t *testing.T) {
	l := NewMemoryLocker(0)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter int
		inside  int
		maxSeen int
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, []string{"p1", "p2"})
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			counter++
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			_ = unlock(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
	assert.Equal(t, 1, maxSeen)
}
