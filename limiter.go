package dual_scope_limiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EvaluateOpVersion is the version of the atomic token_bucket_evaluate operation.
// Stores persist it next to the bucket state and treat state written under another
// version as absent.
const EvaluateOpVersion = 1

var (
	ErrInvalidConfig    = errors.New("invalid bucket config")
	ErrStoreUnavailable = errors.New("bucket store unavailable")
	ErrEmptyClientID    = errors.New("client id must not be empty")
)

// BucketKey identifies one rate limit scope inside the shared store.
type BucketKey string

// BucketConfig describes one token bucket.
type BucketConfig struct {
	Capacity       int64
	RefillRate     int64
	RefillInterval time.Duration
	TTL            time.Duration
}

// Validate reports whether the config can be used to evaluate a bucket.
func (c BucketConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be greater than 0, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("%w: refill rate must be greater than 0, got %d", ErrInvalidConfig, c.RefillRate)
	}
	if c.RefillInterval < time.Millisecond {
		return fmt.Errorf("%w: refill interval must be at least 1ms, got %v", ErrInvalidConfig, c.RefillInterval)
	}
	if c.TTL < time.Second {
		return fmt.Errorf("%w: ttl must be at least 1s, got %v", ErrInvalidConfig, c.TTL)
	}
	return nil
}

// BucketState is the persisted state of a single bucket.
type BucketState struct {
	Tokens       int64
	LastRefillAt time.Time
}

// Verdict is the outcome of a bucket evaluation.
type Verdict int64

const (
	Deny Verdict = iota
	Allow
)

var verdictStrings = map[Verdict]string{
	Allow: "Allow",
	Deny:  "Deny",
}

func (v Verdict) String() string {
	if s, ok := verdictStrings[v]; ok {
		return s
	}
	return fmt.Sprintf("Verdict(%d)", int64(v))
}

// Decision is the result of evaluating one bucket.
type Decision struct {
	Verdict   Verdict
	Remaining int64
	ResetAt   time.Time
}

// Evaluation is what a store returns from one atomic evaluate.
type Evaluation struct {
	State    BucketState
	Decision Decision
}

// BucketStore is a shared keyed store able to run the token_bucket_evaluate
// operation atomically.
//
// Evaluate reads the state stored under key, refills it, consumes one token when
// available and writes the result back with cfg.TTL as expiry. All of it happens
// as one indivisible step with respect to any other Evaluate on the same key, from
// any process. A key without state, or with state the store cannot decode, starts
// at full capacity. Failures are returned wrapped with ErrStoreUnavailable.
type BucketStore interface {
	Evaluate(ctx context.Context, key BucketKey, cfg BucketConfig, now time.Time) (*Evaluation, error)
}

// Inspector is implemented by stores that can read a bucket without mutating it.
type Inspector interface {
	Peek(ctx context.Context, key BucketKey) (BucketState, bool, error)
}

// Resetter is implemented by stores that can drop a bucket before its expiry.
type Resetter interface {
	Reset(ctx context.Context, key BucketKey) error
}
