package bucket_stores

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aryangodara/dual_scope_limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryBucketStore_BurstThenBlock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)}
	store := NewMemoryBucketStore(clock.Now)

	for _, want := range []int64{4, 3, 2, 1, 0} {
		ev, err := store.Evaluate(context.Background(), "k", testBucket, clock.Now())
		require.NoError(t, err)
		assert.Equal(t, dual_scope_limiter.Allow, ev.Decision.Verdict)
		assert.Equal(t, want, ev.Decision.Remaining)
	}

	ev, err := store.Evaluate(context.Background(), "k", testBucket, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, dual_scope_limiter.Deny, ev.Decision.Verdict)
	assert.Equal(t, clock.Now().Add(time.Second), ev.Decision.ResetAt)

	clock.Advance(time.Second)
	ev, err = store.Evaluate(context.Background(), "k", testBucket, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, dual_scope_limiter.Allow, ev.Decision.Verdict)
	assert.Equal(t, int64(0), ev.Decision.Remaining)
}

func TestMemoryBucketStore_Concurrent(t *testing.T) {
	store := NewMemoryBucketStore(nil)
	cfg := testBucket
	cfg.Capacity = 25
	now := time.Now()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := store.Evaluate(context.Background(), "shared", cfg, now)
			if !assert.NoError(t, err) {
				return
			}
			if ev.Decision.Verdict == dual_scope_limiter.Allow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, allowed)
}

func TestMemoryBucketStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)}
	store := NewMemoryBucketStore(clock.Now)
	evalAt := clock.Now()

	for i := 0; i < 6; i++ {
		_, err := store.Evaluate(context.Background(), "k", testBucket, evalAt)
		require.NoError(t, err)
	}

	clock.Advance(testBucket.TTL - time.Millisecond)
	state, found, err := store.Peek(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(0), state.Tokens)

	clock.Advance(time.Millisecond)
	_, found, err = store.Peek(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)

	// same evaluation timestamp, so only expiry can explain a full bucket
	ev, err := store.Evaluate(context.Background(), "k", testBucket, evalAt)
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Decision.Remaining)
}

func TestMemoryBucketStore_Reset(t *testing.T) {
	store := NewMemoryBucketStore(nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		_, err := store.Evaluate(context.Background(), "k", testBucket, now)
		require.NoError(t, err)
	}
	require.NoError(t, store.Reset(context.Background(), "k"))
	assert.Equal(t, 0, store.Len())

	ev, err := store.Evaluate(context.Background(), "k", testBucket, now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), ev.Decision.Remaining)
}

func TestMemoryBucketStore_CanceledContext(t *testing.T) {
	store := NewMemoryBucketStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Evaluate(ctx, "k", testBucket, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Len())
}

func TestMemoryBucketStore_Sweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)}
	store := NewMemoryBucketStore(clock.Now)

	short := testBucket
	short.TTL = time.Second

	_, err := store.Evaluate(context.Background(), "short", short, clock.Now())
	require.NoError(t, err)
	_, err = store.Evaluate(context.Background(), "long", testBucket, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Sweep())
	assert.Equal(t, 1, store.Len())

	_, found, err := store.Peek(context.Background(), "long")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryBucketStore_StartJanitor(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)}
	store := NewMemoryBucketStore(clock.Now)

	short := testBucket
	short.TTL = time.Second
	_, err := store.Evaluate(context.Background(), "k", short, clock.Now())
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store.StartJanitor(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}
