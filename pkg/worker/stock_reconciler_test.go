package worker

import (
	"context"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockReconciler_Reconcile(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	store := testutil.NewStore()
	now := time.Date(2024, 6, 18, 20, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// 7: 3 人抢到，1 单已落库
	store.PutSeckill(model.SeckillVoucher{VoucherID: 7, Stock: 10, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)})
	require.NoError(t, mr.Set(cache.StockKey(7), "7"))
	_, err := mr.SAdd(cache.ClaimantKey(7), "1", "2", "3")
	require.NoError(t, err)
	require.NoError(t, store.SettleOrder(ctx, (&model.ClaimRecord{OrderID: 1, UserID: 1, VoucherID: 7}).Order()))

	// 8: 缓存库存被错误回填，超过 MySQL
	store.PutSeckill(model.SeckillVoucher{VoucherID: 8, Stock: 2, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)})
	require.NoError(t, mr.Set(cache.StockKey(8), "5"))

	// 9: 缓存未预热
	store.PutSeckill(model.SeckillVoucher{VoucherID: 9, Stock: 4, BeginTime: now.Add(time.Hour), EndTime: now.Add(2 * time.Hour)})

	// 已结束的不参与对账
	store.PutSeckill(model.SeckillVoucher{VoucherID: 10, Stock: 1, BeginTime: now.Add(-2 * time.Hour), EndTime: now.Add(-time.Hour)})

	r := NewStockReconciler(rdb, store, store, testutil.Logger(), time.Minute)
	r.now = func() time.Time { return now }

	got, err := r.Reconcile(ctx)
	require.NoError(t, err)

	want := []VoucherSnapshot{
		{VoucherID: 7, CachedStock: 7, CachedExists: true, Claimants: 3, DurableStock: 9, Settled: 1},
		{VoucherID: 8, CachedStock: 5, CachedExists: true, DurableStock: 2},
		{VoucherID: 9, DurableStock: 4},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshots mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, int64(2), got[0].PendingSettlement())
	assert.False(t, got[0].Violated())
	assert.True(t, got[1].Violated())
	assert.False(t, got[2].Violated())

	// 只读：不修改任何 key
	v, err := mr.Get(cache.StockKey(8))
	require.NoError(t, err)
	assert.Equal(t, "5", v)
	assert.False(t, mr.Exists(cache.StockKey(9)))
	assert.Equal(t, uint64(1), r.violationTotal)
	assert.Equal(t, int64(2), r.pendingGauge)
}

func TestStockReconciler_SkipsUnreadableVoucher(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	store := testutil.NewStore()
	now := time.Now()
	store.PutSeckill(model.SeckillVoucher{VoucherID: 1, Stock: 1, EndTime: now.Add(time.Hour)})
	store.PutSeckill(model.SeckillVoucher{VoucherID: 2, Stock: 1, EndTime: now.Add(time.Hour)})
	require.NoError(t, mr.Set(cache.StockKey(1), "not-a-number"))

	r := NewStockReconciler(rdb, store, store, testutil.Logger(), time.Minute)
	got, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].VoucherID)
}
