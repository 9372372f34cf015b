package config

import (
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "localhost:6380", cfg.RedisAddr)
	assert.Empty(t, cfg.RedisSentinelAddrs)
	assert.Equal(t, ClaimModeScript, cfg.Seckill.ClaimMode)
	assert.Equal(t, "stream_orders", cfg.Seckill.StreamKey)
	assert.Equal(t, "OrdersGroup", cfg.Seckill.Group)
	assert.Equal(t, "OrderConsumer", cfg.Seckill.Consumer)
	assert.Equal(t, 500*time.Millisecond, cfg.Seckill.Block)
	assert.Equal(t, int64(5), cfg.Seckill.MaxDeliveries)
	assert.Equal(t, "passthrough", cfg.Cache.Strategy)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_SENTINEL_ADDRS", "s1:26379,s2:26379")
	t.Setenv("SECKILL_CLAIM_MODE", "lock")
	t.Setenv("SECKILL_BLOCK", "2s")
	t.Setenv("CACHE_STRATEGY", "logical")
	t.Setenv("CACHE_NULL_TTL", "30s")
	t.Setenv("RATELIMIT_IP_BURST", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.RedisSentinelAddrs)
	assert.Equal(t, ClaimModeLock, cfg.Seckill.ClaimMode)
	assert.Equal(t, 2*time.Second, cfg.Seckill.Block)
	assert.Equal(t, "logical", cfg.Cache.Strategy)
	assert.Equal(t, 3, cfg.RateLimit.IPBurst)

	opts := cfg.Cache.CacheOptions()
	assert.Equal(t, 30*time.Second, opts.NullTTL)
	assert.Equal(t, cache.DefaultOptions().MaxRebuilds, opts.MaxRebuilds)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown claim mode", env: map[string]string{"SECKILL_CLAIM_MODE": "fast"}},
		{name: "unknown cache strategy", env: map[string]string{"CACHE_STRATEGY": "bloom"}},
		{name: "zero block", env: map[string]string{"SECKILL_BLOCK": "0s"}},
		{name: "tracing without collector", env: map[string]string{"ENABLE_TRACING": "true"}},
		{name: "bad duration", env: map[string]string{"SECKILL_SCRIPT_TIMEOUT": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
