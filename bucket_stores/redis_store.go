package bucket_stores

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aryangodara/dual_scope_limiter"
	"github.com/redis/go-redis/v9"
)

var (
	_ dual_scope_limiter.BucketStore = &RedisBucketStore{}
	_ dual_scope_limiter.Inspector   = &RedisBucketStore{}
	_ dual_scope_limiter.Resetter    = &RedisBucketStore{}
)

//go:embed token_bucket_evaluate_v1.lua
var tokenBucketEvaluateLua string

// EvaluateScript is the token_bucket_evaluate operation, version
// dual_scope_limiter.EvaluateOpVersion.
var EvaluateScript = redis.NewScript(tokenBucketEvaluateLua)

// persistedBucket is the JSON document stored under each bucket key.
type persistedBucket struct {
	Version int      `json:"v"`
	Tokens  *float64 `json:"tokens"`
	Last    *float64 `json:"last"`
}

// RedisBucketStore keeps buckets in Redis and evaluates them with a Lua script, so
// any number of processes sharing the Redis instance see one linearized bucket.
type RedisBucketStore struct {
	client redis.UniversalClient
}

// NewRedisBucketStore creates a store over client.
func NewRedisBucketStore(client redis.UniversalClient) *RedisBucketStore {
	return &RedisBucketStore{client: client}
}

// Load pushes the evaluate script into the Redis script cache. It is optional,
// Evaluate falls back to EVAL when the script is missing.
func (s *RedisBucketStore) Load(ctx context.Context) error {
	if err := EvaluateScript.Load(ctx, s.client).Err(); err != nil {
		return fmt.Errorf("%w: loading evaluate script: %w", dual_scope_limiter.ErrStoreUnavailable, err)
	}
	return nil
}

// Evaluate runs the token_bucket_evaluate script for key.
func (s *RedisBucketStore) Evaluate(ctx context.Context, key dual_scope_limiter.BucketKey, cfg dual_scope_limiter.BucketConfig, now time.Time) (*dual_scope_limiter.Evaluation, error) {
	nowMs := now.UnixMilli()

	res, err := EvaluateScript.Run(ctx, s.client, []string{string(key)},
		cfg.Capacity,
		cfg.RefillRate,
		cfg.RefillInterval.Milliseconds(),
		cfg.TTL.Milliseconds(),
		nowMs,
		dual_scope_limiter.EvaluateOpVersion,
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: evaluating key %v: %w", dual_scope_limiter.ErrStoreUnavailable, key, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("%w: unexpected evaluate result for key %v: %v", dual_scope_limiter.ErrStoreUnavailable, key, res)
	}

	allowed, tokens, lastMs := res[0], res[1], res[2]

	decision := dual_scope_limiter.Decision{
		Verdict: dual_scope_limiter.Deny,
		ResetAt: time.UnixMilli(nowMs).Add(cfg.RefillInterval),
	}
	if allowed == 1 {
		decision.Verdict = dual_scope_limiter.Allow
		decision.Remaining = tokens
	}

	return &dual_scope_limiter.Evaluation{
		State: dual_scope_limiter.BucketState{
			Tokens:       tokens,
			LastRefillAt: time.UnixMilli(lastMs),
		},
		Decision: decision,
	}, nil
}

// Peek reads the bucket stored under key. Missing or undecodable state reports false.
func (s *RedisBucketStore) Peek(ctx context.Context, key dual_scope_limiter.BucketKey) (dual_scope_limiter.BucketState, bool, error) {
	raw, err := s.client.Get(ctx, string(key)).Result()
	if errors.Is(err, redis.Nil) {
		return dual_scope_limiter.BucketState{}, false, nil
	}
	if err != nil {
		// a key of another type is unreadable state, not an outage
		if isWrongType(err) {
			return dual_scope_limiter.BucketState{}, false, nil
		}
		return dual_scope_limiter.BucketState{}, false, fmt.Errorf("%w: reading key %v: %w", dual_scope_limiter.ErrStoreUnavailable, key, err)
	}

	var b persistedBucket
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return dual_scope_limiter.BucketState{}, false, nil
	}
	if b.Version != dual_scope_limiter.EvaluateOpVersion || b.Tokens == nil || b.Last == nil || *b.Tokens < 0 {
		return dual_scope_limiter.BucketState{}, false, nil
	}

	return dual_scope_limiter.BucketState{
		Tokens:       int64(*b.Tokens),
		LastRefillAt: time.UnixMilli(int64(*b.Last)),
	}, true, nil
}

// Reset deletes the bucket under key, so its next evaluation starts full.
func (s *RedisBucketStore) Reset(ctx context.Context, key dual_scope_limiter.BucketKey) error {
	if err := s.client.Del(ctx, string(key)).Err(); err != nil {
		return fmt.Errorf("%w: deleting key %v: %w", dual_scope_limiter.ErrStoreUnavailable, key, err)
	}
	return nil
}

// TTL returns the time left before the bucket under key expires.
func (s *RedisBucketStore) TTL(ctx context.Context, key dual_scope_limiter.BucketKey) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, string(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: reading ttl of key %v: %w", dual_scope_limiter.ErrStoreUnavailable, key, err)
	}
	return d, nil
}

func isWrongType(err error) bool {
	return strings.HasPrefix(err.Error(), "WRONGTYPE")
}
