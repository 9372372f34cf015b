package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/testutil"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendDeadLetter(t *testing.T, rdb *redis.Client, msgID string) {
	t.Helper()
	dlp := repository.NewDeadLetterProducer(rdb, testutil.Logger())
	require.NoError(t, dlp.SendToDeadLetter(context.Background(), repository.DeadLetter{
		OriginalStream: "stream_orders",
		ConsumerGroup:  "OrdersGroup",
		MsgID:          msgID,
		Payload:        `{"id":"1001"}`,
		Reason:         "durable stock exhausted",
	}))
}

func TestDeadLetterConsumer_Persists(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	store := testutil.NewStore()
	sendDeadLetter(t, rdb, "1718740800000-0")

	c := NewDeadLetterConsumer(rdb, store, testutil.Logger())
	c.block = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	c.Start(ctx, &wg)

	require.Eventually(t, func() bool {
		return len(store.DeadMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	got := store.DeadMessages()[0]
	assert.Equal(t, "1718740800000-0", got.MsgID)
	assert.Equal(t, "stream_orders", got.OriginalStream)
	assert.Equal(t, "OrdersGroup", got.ConsumerGroup)
	assert.Equal(t, `{"id":"1001"}`, got.Payload)
	assert.Equal(t, "durable stock exhausted", got.ErrorReason)
	assert.False(t, got.CreatedAt.IsZero())

	p, err := rdb.XPending(context.Background(), repository.DeadStreamKey, deadLetterGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)
}

func TestDeadLetterConsumer_StoreFailureLeavesPending(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	store := testutil.NewStore()
	store.DeadErr = errors.New("mysql down")
	ctx := context.Background()

	sendDeadLetter(t, rdb, "1-0")
	require.NoError(t, ensureGroup(ctx, rdb, repository.DeadStreamKey, deadLetterGroup))

	c := NewDeadLetterConsumer(rdb, store, testutil.Logger())
	streams, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    deadLetterGroup,
		Consumer: c.consumer,
		Streams:  []string{repository.DeadStreamKey, ">"},
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	c.persist(ctx, streams[0].Messages)

	assert.Empty(t, store.DeadMessages())
	p, err := rdb.XPending(ctx, repository.DeadStreamKey, deadLetterGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Count)

	// 恢复后重试成功
	store.DeadErr = nil
	c.persist(ctx, streams[0].Messages)
	assert.Len(t, store.DeadMessages(), 1)
	p, err = rdb.XPending(ctx, repository.DeadStreamKey, deadLetterGroup).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Count)
}

func TestDeadLetterConsumer_ShutdownDuringRedisOutage(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	mr.Close()

	c := NewDeadLetterConsumer(rdb, testutil.NewStore(), testutil.Logger())
	c.block = 10 * time.Millisecond
	c.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	c.Start(ctx, &wg)

	// 等待进入读失败后的退避
	time.Sleep(50 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter consumer did not stop while backing off")
	}
}

func TestToDeadMessage_FallsBackToEntryID(t *testing.T) {
	got := toDeadMessage(redis.XMessage{ID: "5-0", Values: map[string]interface{}{
		repository.DeadFieldPayload: "raw",
	}})
	assert.Equal(t, "5-0", got.MsgID)
	assert.Equal(t, "raw", got.Payload)
	assert.True(t, got.CreatedAt.IsZero())
}
