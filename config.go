package gerbang

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration parses human readable durations ("250ms", "1m30s") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) value() time.Duration { return time.Duration(d) }

// ConfigRule mirrors RateLimitRule with YAML-friendly durations.
type ConfigRule struct {
	ID         string          `yaml:"id"`
	Scope      Scope           `yaml:"scope"`
	Limit      int             `yaml:"limit"`
	Window     Duration        `yaml:"window"`
	Conditions []RuleCondition `yaml:"conditions,omitempty"`
}

// AdmissionConfig selects the rate limiting algorithm and rule set.
type AdmissionConfig struct {
	Strategy string       `yaml:"strategy"` // sliding_window, fixed_window, token_bucket, adaptive
	Rules    []ConfigRule `yaml:"rules"`
}

// CacheConfig configures response caching.
type CacheConfig struct {
	Enabled        bool     `yaml:"enabled"`
	TTL            Duration `yaml:"ttl"`
	MaxEntries     int      `yaml:"max_entries"`
	Policy         string   `yaml:"policy"` // lru, lfu, oldest
	IncludeOptions bool     `yaml:"include_options"`
}

// DedupConfig configures request deduplication.
type DedupConfig struct {
	Enabled bool     `yaml:"enabled"`
	Grace   Duration `yaml:"grace"`
	MaxAge  Duration `yaml:"max_age"`
}

// BatchConfig configures request batching.
type BatchConfig struct {
	Enabled bool         `yaml:"enabled"`
	GroupBy BatchGroupBy `yaml:"group_by"`
	MaxSize int          `yaml:"max_size"`
	MaxWait Duration     `yaml:"max_wait"`
}

// ThrottleConfig configures the local backpressure valve.
type ThrottleConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MaxTokens  int      `yaml:"max_tokens"`
	RefillRate Duration `yaml:"refill_rate"`
}

// BreakerConfig configures circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	OpenTimeout      Duration `yaml:"open_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// RetryConfig configures the dispatch retry policy.
type RetryConfig struct {
	MaxRetries     int      `yaml:"max_retries"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	Multiplier     float64  `yaml:"multiplier"`
	Jitter         float64  `yaml:"jitter"`
}

// RedisConfig points the limit and cache stores at a shared Redis. Empty addr
// keeps everything in process memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the YAML-file representation of a gateway. Load reads it and
// Options converts it into functional options for New.
type Config struct {
	Timeout         Duration        `yaml:"timeout"`
	Metrics         bool            `yaml:"metrics"`
	JanitorSchedule string          `yaml:"janitor_schedule"`
	Admission       AdmissionConfig `yaml:"admission"`
	Cache           CacheConfig     `yaml:"cache"`
	Dedup           DedupConfig     `yaml:"dedup"`
	Batch           BatchConfig     `yaml:"batch"`
	Throttle        ThrottleConfig  `yaml:"throttle"`
	Breaker         BreakerConfig   `yaml:"breaker"`
	Retry           RetryConfig     `yaml:"retry"`
	Redis           RedisConfig     `yaml:"redis"`
}

// LoadConfig reads a YAML config file and applies environment overrides. A
// .env file next to the process is honored when present; missing .env is not
// an error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	_ = godotenv.Load()
	cfg.applyEnv()
	return &cfg, nil
}

// applyEnv overlays GERBANG_* environment variables on the parsed file, so
// deployment-specific values stay out of the config file.
func (c *Config) applyEnv() {
	if addr := os.Getenv("GERBANG_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if password := os.Getenv("GERBANG_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if db := os.Getenv("GERBANG_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			c.Redis.DB = n
		}
	}
	if timeout := os.Getenv("GERBANG_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.Timeout = Duration(d)
		}
	}
	if retries := os.Getenv("GERBANG_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			c.Retry.MaxRetries = n
		}
	}
}

func (c *Config) redisClient() *redis.Client {
	if c.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

func (c *Config) rules() []RateLimitRule {
	rules := make([]RateLimitRule, len(c.Admission.Rules))
	for i, rule := range c.Admission.Rules {
		rules[i] = RateLimitRule{
			ID:         rule.ID,
			Scope:      rule.Scope,
			Limit:      rule.Limit,
			Window:     rule.Window.value(),
			Conditions: rule.Conditions,
		}
	}
	return rules
}

func (c *Config) limitStrategy(client *redis.Client) LimitStrategy {
	var store LimitStore
	if client != nil {
		store = NewRedisLimitStore(client, "")
	} else {
		store = NewMemoryLimitStore()
	}

	switch c.Admission.Strategy {
	case "fixed_window":
		return NewFixedWindowStrategy(store)
	case "token_bucket":
		return NewTokenBucketStrategy(store)
	case "adaptive":
		return NewAdaptiveStrategy(store, nil)
	default:
		return NewSlidingWindowStrategy(store)
	}
}

func (c *Config) evictionPolicy() EvictionPolicy {
	switch c.Cache.Policy {
	case "lfu":
		return LFUPolicy{}
	case "oldest":
		return OldestPolicy{}
	default:
		return LRUPolicy{}
	}
}

// Options converts the config into functional options for New.
func (c *Config) Options() []Option {
	client := c.redisClient()
	options := []Option{}

	if len(c.Admission.Rules) > 0 {
		options = append(options,
			WithRules(c.rules()...),
			WithLimitStrategy(c.limitStrategy(client)),
		)
	}

	if c.Cache.Enabled {
		options = append(options,
			WithCache(c.Cache.TTL.value(), c.Cache.MaxEntries),
			WithEvictionPolicy(c.evictionPolicy()),
		)
		if c.Cache.IncludeOptions {
			options = append(options, WithCacheOptionsInKey())
		}
		if client != nil {
			options = append(options, WithCacheStore(NewRedisCacheStore(client, "")))
		}
	}

	if c.Dedup.Enabled {
		options = append(options, WithDeduplication(c.Dedup.Grace.value(), c.Dedup.MaxAge.value()))
	}
	if c.Batch.Enabled {
		options = append(options, WithBatching(c.Batch.GroupBy, c.Batch.MaxSize, c.Batch.MaxWait.value()))
	}
	if c.Throttle.Enabled {
		options = append(options, WithThrottle(c.Throttle.MaxTokens, c.Throttle.RefillRate.value()))
	}

	if c.Breaker != (BreakerConfig{}) {
		options = append(options, WithBreakerSettings(BreakerSettings{
			FailureThreshold: c.Breaker.FailureThreshold,
			OpenTimeout:      c.Breaker.OpenTimeout.value(),
			SuccessThreshold: c.Breaker.SuccessThreshold,
		}))
	}

	if c.Retry.MaxRetries > 0 {
		options = append(options, WithMaxRetries(c.Retry.MaxRetries))
	}
	if c.Retry.InitialBackoff > 0 {
		options = append(options, WithInitialBackoff(c.Retry.InitialBackoff.value()))
	}
	if c.Retry.MaxBackoff > 0 {
		options = append(options, WithMaxBackoff(c.Retry.MaxBackoff.value()))
	}
	if c.Retry.Multiplier > 0 {
		options = append(options, WithBackoffMultiplier(c.Retry.Multiplier))
	}
	if c.Retry.Jitter > 0 {
		options = append(options, WithJitter(c.Retry.Jitter))
	}

	if c.Timeout > 0 {
		options = append(options, WithTimeout(c.Timeout.value()))
	}
	if c.Metrics {
		options = append(options, WithMetrics())
	}
	if c.JanitorSchedule != "" {
		options = append(options, WithJanitorSchedule(c.JanitorSchedule))
	}

	return options
}
