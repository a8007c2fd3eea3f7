package bucket_stores

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aryangodara/dual_scope_limiter"
	"github.com/redis/go-redis/v9"
)

var _ dual_scope_limiter.Recorder = &RedisStatsRecorder{}

// RedisStatsRecorder aggregates limiter metrics into Redis hashes: a cumulative
// <prefix>:total hash and one <prefix>:minute:<yyyymmddhhmm> hash per minute.
//
// Counters are stored under "<name>|<tag>=<value>,..." fields. Observations add
// "<field>:sum" and "<field>:count".
type RedisStatsRecorder struct {
	client redis.UniversalClient

	prefix  string
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  dual_scope_limiter.Logger
}

type RedisStatsOption func(*RedisStatsRecorder)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsRecorder) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithStatsTTL sets the expiry of the per-minute hashes. The total hash never expires.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsRecorder) { s.ttl = d }
}

func WithStatsTimeout(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsRecorder) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithStatsClock(now func() time.Time) RedisStatsOption {
	return func(s *RedisStatsRecorder) {
		if now != nil {
			s.now = now
		}
	}
}

func WithStatsLogger(logger dual_scope_limiter.Logger) RedisStatsOption {
	return func(s *RedisStatsRecorder) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewRedisStatsRecorder(client redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsRecorder {
	s := &RedisStatsRecorder{
		client:  client,
		prefix:  "rateLimit:stats",
		ttl:     24 * time.Hour,
		timeout: 200 * time.Millisecond,
		now:     time.Now,
		logger:  dual_scope_limiter.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsRecorder) Add(name string, value float64, tags map[string]string) {
	s.record(func(pipe redis.Pipeliner, key string) {
		pipe.HIncrByFloat(context.Background(), key, statsField(name, tags), value)
	})
}

func (s *RedisStatsRecorder) Observe(name string, value float64, tags map[string]string) {
	field := statsField(name, tags)
	s.record(func(pipe redis.Pipeliner, key string) {
		pipe.HIncrByFloat(context.Background(), key, field+":sum", value)
		pipe.HIncrBy(context.Background(), key, field+":count", 1)
	})
}

// TotalKey is the hash holding cumulative values.
func (s *RedisStatsRecorder) TotalKey() string {
	return s.prefix + ":total"
}

// MinuteKey is the hash holding values recorded during the minute of at.
func (s *RedisStatsRecorder) MinuteKey(at time.Time) string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
}

func (s *RedisStatsRecorder) record(incr func(pipe redis.Pipeliner, key string)) {
	if s == nil || s.client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	minuteKey := s.MinuteKey(s.now())

	pipe := s.client.Pipeline()
	incr(pipe, s.TotalKey())
	incr(pipe, minuteKey)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Errorf("recording stats: %v", err)
	}
}

func statsField(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+tags[k])
	}
	return name + "|" + strings.Join(pairs, ",")
}
