package bucket_stores

import (
	"context"
	"sync"
	"time"

	"github.com/aryangodara/dual_scope_limiter"
)

var (
	_ dual_scope_limiter.BucketStore = &MemoryBucketStore{}
	_ dual_scope_limiter.Inspector   = &MemoryBucketStore{}
	_ dual_scope_limiter.Resetter    = &MemoryBucketStore{}
)

type memoryEntry struct {
	state     dual_scope_limiter.BucketState
	expiresAt time.Time
}

// MemoryBucketStore keeps buckets in process memory. It evaluates buckets with the
// same rules as RedisBucketStore but is only shared by the goroutines of one process.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[dual_scope_limiter.BucketKey]*memoryEntry
	now     func() time.Time
}

// NewMemoryBucketStore creates an empty store. now is used to expire entries and
// defaults to time.Now.
func NewMemoryBucketStore(now func() time.Time) *MemoryBucketStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryBucketStore{
		buckets: make(map[dual_scope_limiter.BucketKey]*memoryEntry),
		now:     now,
	}
}

func (s *MemoryBucketStore) Evaluate(ctx context.Context, key dual_scope_limiter.BucketKey, cfg dual_scope_limiter.BucketConfig, now time.Time) (*dual_scope_limiter.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *dual_scope_limiter.BucketState
	if e, ok := s.live(key); ok {
		prev = &e.state
	}

	state, decision := dual_scope_limiter.Refill(prev, cfg, now)
	s.buckets[key] = &memoryEntry{state: state, expiresAt: s.now().Add(cfg.TTL)}

	return &dual_scope_limiter.Evaluation{State: state, Decision: decision}, nil
}

func (s *MemoryBucketStore) Peek(_ context.Context, key dual_scope_limiter.BucketKey) (dual_scope_limiter.BucketState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.live(key)
	if !ok {
		return dual_scope_limiter.BucketState{}, false, nil
	}
	return e.state, true, nil
}

func (s *MemoryBucketStore) Reset(_ context.Context, key dual_scope_limiter.BucketKey) error {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Len is the number of entries held, expired ones included until swept.
func (s *MemoryBucketStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryBucketStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, e := range s.buckets {
		if !now.Before(e.expiresAt) {
			delete(s.buckets, k)
			removed++
		}
	}
	return removed
}

// StartJanitor sweeps expired entries every interval until ctx is done.
func (s *MemoryBucketStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// live must be called with mu held.
func (s *MemoryBucketStore) live(key dual_scope_limiter.BucketKey) (*memoryEntry, bool) {
	e, ok := s.buckets[key]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.buckets, key)
		return nil, false
	}
	return e, true
}
