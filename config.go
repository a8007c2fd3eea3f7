package dual_scope_limiter

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the startup configuration of an admission controlled server, read from
// the environment.
type Config struct {
	ListenAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GlobalCapacity int64
	ClientCapacity int64
	RefillRate     int64
	RefillInterval time.Duration
	TTL            time.Duration

	KeyPrefix     string
	KeyHeader     string
	TrustXFF      bool
	FailurePolicy FailurePolicy
	StoreTimeout  time.Duration

	// StatsEnabled turns on the Redis backed stats recorder.
	StatsEnabled bool
}

// LoadConfigFromEnv reads Config from environment variables, applying defaults for
// unset ones. A variable that is set but cannot be parsed is an error.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:    getenvDefault("LISTEN_ADDR", ":8080"),
		RedisAddr:     getenvDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		KeyPrefix:     getenvDefault("RATE_LIMIT_KEY_PREFIX", DefaultKeyPrefix),
		KeyHeader:     strings.TrimSpace(os.Getenv("RATE_LIMIT_KEY_HEADER")),
	}

	var err error
	if cfg.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.GlobalCapacity, err = getenvInt64("GLOBAL_RATE_LIMIT_WINDOW", 100); err != nil {
		return nil, err
	}
	if cfg.ClientCapacity, err = getenvInt64("IP_RATE_LIMIT_WINDOW", 10); err != nil {
		return nil, err
	}
	if cfg.RefillRate, err = getenvInt64("RATE_LIMIT_REFILL_RATE", 1); err != nil {
		return nil, err
	}
	if cfg.RefillInterval, err = getenvDuration("RATE_LIMIT_REFILL_INTERVAL", time.Second); err != nil {
		return nil, err
	}
	if cfg.TTL, err = getenvDuration("RATE_LIMIT_TTL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getenvDuration("RATE_LIMIT_STORE_TIMEOUT", DefaultStoreTimeout); err != nil {
		return nil, err
	}
	if cfg.TrustXFF, err = getenvBool("RATE_LIMIT_TRUST_XFF", false); err != nil {
		return nil, err
	}
	if cfg.StatsEnabled, err = getenvBool("RATE_LIMIT_STATS_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.FailurePolicy, err = ParseFailurePolicy(os.Getenv("RATE_LIMIT_FAIL_POLICY")); err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_FAIL_POLICY: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks both bucket configs and the store timeout.
func (c *Config) Validate() error {
	if err := c.GlobalBucket().Validate(); err != nil {
		return fmt.Errorf("GLOBAL_RATE_LIMIT_WINDOW: %w", err)
	}
	if err := c.ClientBucket().Validate(); err != nil {
		return fmt.Errorf("IP_RATE_LIMIT_WINDOW: %w", err)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("RATE_LIMIT_STORE_TIMEOUT must be > 0, got %v", c.StoreTimeout)
	}
	return nil
}

// GlobalBucket is the bucket shared by all clients.
func (c *Config) GlobalBucket() BucketConfig {
	return BucketConfig{
		Capacity:       c.GlobalCapacity,
		RefillRate:     c.RefillRate,
		RefillInterval: c.RefillInterval,
		TTL:            c.TTL,
	}
}

// ClientBucket is the bucket each client gets.
func (c *Config) ClientBucket() BucketConfig {
	return BucketConfig{
		Capacity:       c.ClientCapacity,
		RefillRate:     c.RefillRate,
		RefillInterval: c.RefillInterval,
		TTL:            c.TTL,
	}
}

// Extractor builds the client id extractor: the configured header when present,
// the caller address otherwise.
func (c *Config) Extractor() Extractor {
	remote := NewRemoteAddrExtractor(c.TrustXFF)
	if c.KeyHeader == "" {
		return remote
	}
	return NewChainExtractor(NewHttpHeaderExtractor(c.KeyHeader), remote)
}

// LimiterOptions are the DualScopeLimiter options implied by c.
func (c *Config) LimiterOptions() []Option {
	return []Option{
		WithKeyPrefix(c.KeyPrefix),
		WithStoreTimeout(c.StoreTimeout),
	}
}

func getenvDefault(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return i, nil
}

func getenvInt64(k string, def int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return i, nil
}

func getenvBool(k string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", k, err)
	}
	return b, nil
}

// getenvDuration accepts Go durations ("1s", "250ms") and bare integers as milliseconds.
func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}
