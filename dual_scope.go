package dual_scope_limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultKeyPrefix    = "rateLimit:"
	DefaultStoreTimeout = time.Second

	globalKeySuffix = "global"
	clientKeyInfix  = "client:"
)

// Scope is the identity a bucket is keyed under.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeClient Scope = "client"
)

// Result is the combined decision of a dual scope check. Limit, Remaining and
// ResetAt describe the bucket that produced the final verdict.
type Result struct {
	Verdict   Verdict
	Scope     Scope
	Key       BucketKey
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// EvaluatedAt is the timestamp the bucket was evaluated at.
	EvaluatedAt time.Time
}

// RetryAfter is the time left until ResetAt.
func (r *Result) RetryAfter() time.Duration {
	if d := r.ResetAt.Sub(r.EvaluatedAt); d > 0 {
		return d
	}
	return 0
}

// Allowed reports whether the request may proceed.
func (r *Result) Allowed() bool {
	return r != nil && r.Verdict == Allow
}

// EvaluationError is returned when a bucket could not be evaluated at all. It is
// distinct from a denial, which is a Result with Verdict Deny.
type EvaluationError struct {
	Scope Scope
	Key   BucketKey
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluating %s bucket %v: %v", e.Scope, e.Key, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Checker decides whether a client may be admitted.
type Checker interface {
	Check(ctx context.Context, clientID string) (*Result, error)
}

var _ Checker = &DualScopeLimiter{}

// DualScopeLimiter checks a global bucket shared by every client and then a bucket
// of the calling client. A global denial never touches the client bucket.
type DualScopeLimiter struct {
	store     BucketStore
	global    BucketConfig
	perClient BucketConfig

	now          func() time.Time
	prefix       string
	storeTimeout time.Duration
	logger       Logger
	recorder     Recorder
}

// Option configures a DualScopeLimiter.
type Option func(*DualScopeLimiter)

// WithClock replaces time.Now as the source of evaluation timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *DualScopeLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithKeyPrefix sets the prefix of every bucket key (default "rateLimit:").
func WithKeyPrefix(prefix string) Option {
	return func(l *DualScopeLimiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithStoreTimeout bounds each store round trip (default 1s).
func WithStoreTimeout(d time.Duration) Option {
	return func(l *DualScopeLimiter) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(l *DualScopeLimiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(l *DualScopeLimiter) {
		if r != nil {
			l.recorder = r
		}
	}
}

// NewDualScopeLimiter creates a limiter over store. Both configs are validated here
// so a bad configuration fails at startup instead of on every request.
func NewDualScopeLimiter(store BucketStore, global, perClient BucketConfig, opts ...Option) (*DualScopeLimiter, error) {
	if store == nil {
		return nil, errors.New("bucket store cannot be nil")
	}
	if err := global.Validate(); err != nil {
		return nil, fmt.Errorf("global bucket: %w", err)
	}
	if err := perClient.Validate(); err != nil {
		return nil, fmt.Errorf("client bucket: %w", err)
	}

	l := &DualScopeLimiter{
		store:        store,
		global:       global,
		perClient:    perClient,
		now:          time.Now,
		prefix:       DefaultKeyPrefix,
		storeTimeout: DefaultStoreTimeout,
		logger:       noopLogger{},
		recorder:     NoOpRecorder{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// GlobalKey is the key of the bucket shared by all clients.
func (l *DualScopeLimiter) GlobalKey() BucketKey {
	return BucketKey(l.prefix + globalKeySuffix)
}

// ClientKey is the key of the bucket owned by clientID.
func (l *DualScopeLimiter) ClientKey(clientID string) BucketKey {
	return BucketKey(l.prefix + clientKeyInfix + clientID)
}

// Check evaluates the global bucket and, when it allows, the bucket of clientID.
//
// The store calls are detached from ctx cancellation: a token consumed for a request
// that is then abandoned stays consumed. Each call is still bounded by the store timeout.
func (l *DualScopeLimiter) Check(ctx context.Context, clientID string) (*Result, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	global, err := l.evaluate(ctx, ScopeGlobal, l.GlobalKey(), l.global)
	if err != nil {
		return nil, err
	}
	if global.Verdict == Deny {
		l.logger.Debugf("global bucket denied client %q, resets at %v", clientID, global.ResetAt)
		return global, nil
	}

	client, err := l.evaluate(ctx, ScopeClient, l.ClientKey(clientID), l.perClient)
	if err != nil {
		return nil, err
	}
	l.logger.Debugf("client %q: %v, remaining %d", clientID, client.Verdict, client.Remaining)
	return client, nil
}

func (l *DualScopeLimiter) evaluate(ctx context.Context, scope Scope, key BucketKey, cfg BucketConfig) (*Result, error) {
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.storeTimeout)
	defer cancel()

	now := l.now()
	started := time.Now()
	ev, err := l.store.Evaluate(evalCtx, key, cfg, now)
	l.recorder.Observe(MetricStoreLatency, float64(time.Since(started).Microseconds())/1000, map[string]string{"scope": string(scope)})

	if err != nil {
		l.recorder.Add(MetricStoreError, 1, map[string]string{"scope": string(scope)})
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		return nil, &EvaluationError{Scope: scope, Key: key, Err: err}
	}

	l.recorder.Add(MetricDecision, 1, map[string]string{
		"scope":   string(scope),
		"verdict": ev.Decision.Verdict.String(),
	})

	return &Result{
		Verdict:   ev.Decision.Verdict,
		Scope:     scope,
		Key:       key,
		Limit:     cfg.Capacity,
		Remaining: ev.Decision.Remaining,
		ResetAt:   ev.Decision.ResetAt,

		EvaluatedAt: now,
	}, nil
}
