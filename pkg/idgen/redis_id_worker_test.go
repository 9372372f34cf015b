package idgen

import (
	"context"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextID_Layout(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	w := NewRedisIDWorker(rdb).WithClock(func() time.Time { return now })

	ctx := context.Background()
	first, err := w.NextID(ctx, "order")
	require.NoError(t, err)
	second, err := w.NextID(ctx, "order")
	require.NoError(t, err)

	assert.Equal(t, now, Timestamp(first))
	assert.Equal(t, int64(1), Sequence(first))
	assert.Equal(t, int64(2), Sequence(second))
	assert.Greater(t, second, first)

	v, err := mr.Get("icr:order:2024:03:15")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
}

func TestNextID_DailyKeyUsesUTC(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	// 东八区已经是 16 号，UTC 仍是 15 号
	loc := time.FixedZone("UTC+8", 8*3600)
	now := time.Date(2024, 3, 16, 2, 0, 0, 0, loc)
	w := NewRedisIDWorker(rdb).WithClock(func() time.Time { return now })

	id, err := w.NextID(context.Background(), "order")
	require.NoError(t, err)

	assert.True(t, mr.Exists("icr:order:2024:03:15"))
	assert.Equal(t, now.UTC(), Timestamp(id))
}

func TestNextID_UniqueAcrossPrefixesAndDays(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	now := time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC)
	w := NewRedisIDWorker(rdb).WithClock(func() time.Time { return now })

	ctx := context.Background()
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		id, err := w.NextID(ctx, "order")
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}

	now = now.Add(time.Second)
	id, err := w.NextID(ctx, "order")
	require.NoError(t, err)
	assert.Equal(t, int64(1), Sequence(id), "new day restarts the counter")
	assert.False(t, seen[id])
}

func TestNextID_Overflow(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	now := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	w := NewRedisIDWorker(rdb).WithClock(func() time.Time { return now })

	require.NoError(t, mr.Set("icr:order:2024:03:15", "4294967295"))
	_, err := w.NextID(context.Background(), "order")
	assert.ErrorContains(t, err, "overflowed")
}

func TestNextID_RedisDown(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	mr.Close()

	_, err := NewRedisIDWorker(rdb).NextID(context.Background(), "order")
	assert.Error(t, err)
}
