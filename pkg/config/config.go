package config

import (
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const (
	ClaimModeScript = "script"
	ClaimModeLock   = "lock"
)

type Config struct {
	Port       string `envconfig:"PORT" default:"8080"`
	HealthPort string `envconfig:"HEALTH_PORT" default:"50051"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	MySQLAddr string `envconfig:"MYSQL_ADDR" default:"root:root_password@tcp(127.0.0.1:3307)/seckill_db?charset=utf8mb4&parseTime=true&loc=Local"`

	RedisAddr          string   `envconfig:"REDIS_ADDR" default:"localhost:6380"`
	RedisSentinelAddrs []string `envconfig:"REDIS_SENTINEL_ADDRS"`
	RedisMasterName    string   `envconfig:"REDIS_MASTER_NAME" default:"mymaster"`

	// 为空时不发布落库事件
	RocketMQNameServer string `envconfig:"ROCKETMQ_NAMESERVER"`

	EnableTracing   bool   `envconfig:"ENABLE_TRACING"`
	CollectorAddr   string `envconfig:"COLLECTOR_SERVICE_ADDR"`
	DisableProfiler bool   `envconfig:"DISABLE_PROFILER"`

	Seckill   SeckillConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
}

type SeckillConfig struct {
	ClaimMode     string        `envconfig:"SECKILL_CLAIM_MODE" default:"script"`
	ScriptTimeout time.Duration `envconfig:"SECKILL_SCRIPT_TIMEOUT" default:"500ms"`

	StreamKey     string        `envconfig:"SECKILL_STREAM" default:"stream_orders"`
	Group         string        `envconfig:"SECKILL_GROUP" default:"OrdersGroup"`
	Consumer      string        `envconfig:"SECKILL_CONSUMER" default:"OrderConsumer"`
	Block         time.Duration `envconfig:"SECKILL_BLOCK" default:"500ms"`
	BatchSize     int64         `envconfig:"SECKILL_BATCH_SIZE" default:"10"`
	RecoverEvery  time.Duration `envconfig:"SECKILL_RECOVER_INTERVAL" default:"30s"`
	MinIdle       time.Duration `envconfig:"SECKILL_MIN_IDLE" default:"1m"`
	MaxDeliveries int64         `envconfig:"SECKILL_MAX_DELIVERIES" default:"5"`

	ReconcileEvery time.Duration `envconfig:"SECKILL_RECONCILE_INTERVAL" default:"30s"`
}

type CacheConfig struct {
	Strategy      string        `envconfig:"CACHE_STRATEGY" default:"passthrough"`
	TTL           time.Duration `envconfig:"CACHE_TTL" default:"30m"`
	NullTTL       time.Duration `envconfig:"CACHE_NULL_TTL" default:"2m"`
	LockTTL       time.Duration `envconfig:"CACHE_LOCK_TTL" default:"10s"`
	RetryInterval time.Duration `envconfig:"CACHE_RETRY_INTERVAL" default:"50ms"`
	MaxRetries    int           `envconfig:"CACHE_MAX_RETRIES" default:"40"`
}

type RateLimitConfig struct {
	GlobalRPS   float64 `envconfig:"RATELIMIT_GLOBAL_RPS" default:"5000"`
	GlobalBurst int     `envconfig:"RATELIMIT_GLOBAL_BURST" default:"5000"`
	IPRPS       float64 `envconfig:"RATELIMIT_IP_RPS" default:"5"`
	IPBurst     int     `envconfig:"RATELIMIT_IP_BURST" default:"10"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Seckill.ClaimMode != ClaimModeScript && c.Seckill.ClaimMode != ClaimModeLock {
		return errors.Errorf("SECKILL_CLAIM_MODE must be %q or %q, got %q", ClaimModeScript, ClaimModeLock, c.Seckill.ClaimMode)
	}
	if _, err := cache.ParseStrategy(c.Cache.Strategy); err != nil {
		return err
	}
	if c.Seckill.Block <= 0 {
		return errors.New("SECKILL_BLOCK must be positive")
	}
	if c.Seckill.ScriptTimeout <= 0 {
		return errors.New("SECKILL_SCRIPT_TIMEOUT must be positive")
	}
	if c.EnableTracing && c.CollectorAddr == "" {
		return errors.New("COLLECTOR_SERVICE_ADDR is required when ENABLE_TRACING is set")
	}
	return nil
}

// CacheOptions 转换为 cache.Options
func (c CacheConfig) CacheOptions() cache.Options {
	opts := cache.DefaultOptions()
	opts.NullTTL = c.NullTTL
	opts.LockTTL = c.LockTTL
	opts.RetryInterval = c.RetryInterval
	opts.MaxRetries = c.MaxRetries
	return opts
}
