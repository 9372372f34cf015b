package service

import (
	"context"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/lock"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVoucherFixture(t *testing.T, strategy cache.Strategy) (*miniredis.Miniredis, *testutil.Store, *VoucherService) {
	t.Helper()
	mr, rdb := testutil.NewMiniRedis(t)
	store := testutil.NewStore()
	cc := cache.NewClient(rdb, lock.NewMutex(rdb), testutil.Logger(), cache.DefaultOptions())
	t.Cleanup(cc.Wait)

	svc := NewVoucherService(rdb, cc, store, store, strategy, cache.CacheTTL, testutil.Logger())
	svc.now = func() time.Time { return saleNow }
	return mr, store, svc
}

func newSeckillInput(stock int32) (*model.Voucher, *model.SeckillVoucher) {
	return &model.Voucher{Title: "100 off 50", PayValue: 5000, ActualValue: 10000},
		&model.SeckillVoucher{Stock: stock, BeginTime: saleNow, EndTime: saleNow.Add(2 * time.Hour)}
}

func TestAddSeckillVoucher_SeedsStock(t *testing.T) {
	mr, store, svc := newVoucherFixture(t, cache.StrategyPassThrough)

	v, sv := newSeckillInput(100)
	require.NoError(t, svc.AddSeckillVoucher(context.Background(), v, sv))
	require.NotZero(t, v.ID)
	assert.Equal(t, v.ID, sv.VoucherID)
	assert.Equal(t, int32(model.VoucherTypeSeckill), v.Type)

	stock, err := mr.Get(cache.StockKey(v.ID))
	require.NoError(t, err)
	assert.Equal(t, "100", stock)
	assert.Equal(t, 2*time.Hour+DefaultOptions().StockKeyGrace, mr.TTL(cache.StockKey(v.ID)))

	assert.Equal(t, int32(100), store.Stock(v.ID))
}

func TestAddSeckillVoucher_ClearsNullMarker(t *testing.T) {
	_, _, svc := newVoucherFixture(t, cache.StrategyPassThrough)
	ctx := context.Background()

	// 创建前的查询会缓存空值
	got, err := svc.GetSeckillVoucher(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, got)

	v, sv := newSeckillInput(10)
	require.NoError(t, svc.AddSeckillVoucher(ctx, v, sv))
	require.Equal(t, int64(1), v.ID)

	got, err = svc.GetSeckillVoucher(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(10), got.Stock)
}

func TestAddSeckillVoucher_LogicalPreheats(t *testing.T) {
	_, store, svc := newVoucherFixture(t, cache.StrategyLogical)
	ctx := context.Background()

	v, sv := newSeckillInput(10)
	require.NoError(t, svc.AddSeckillVoucher(ctx, v, sv))

	calls := store.GetCalls
	got, err := svc.GetSeckillVoucher(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(10), got.Stock)
	assert.Equal(t, calls, store.GetCalls, "served from preheated cache")
}

func TestAddSeckillVoucher_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *model.Voucher, sv *model.SeckillVoucher)
	}{
		{name: "empty title", mutate: func(v *model.Voucher, _ *model.SeckillVoucher) { v.Title = "" }},
		{name: "zero stock", mutate: func(_ *model.Voucher, sv *model.SeckillVoucher) { sv.Stock = 0 }},
		{name: "end before begin", mutate: func(_ *model.Voucher, sv *model.SeckillVoucher) { sv.EndTime = sv.BeginTime.Add(-time.Minute) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr, store, svc := newVoucherFixture(t, cache.StrategyPassThrough)
			v, sv := newSeckillInput(10)
			tt.mutate(v, sv)

			err := svc.AddSeckillVoucher(context.Background(), v, sv)
			assert.ErrorIs(t, err, ErrInvalidVoucher)
			assert.Empty(t, mr.Keys())
			_, err = store.GetSeckillVoucher(context.Background(), 1)
			assert.Error(t, err)
		})
	}
}

func TestGetSeckillVoucher_Strategies(t *testing.T) {
	for _, strategy := range []cache.Strategy{cache.StrategyPassThrough, cache.StrategyMutex} {
		t.Run(string(strategy), func(t *testing.T) {
			_, store, svc := newVoucherFixture(t, strategy)
			putOpen(store, 7, 3)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				got, err := svc.GetSeckillVoucher(ctx, 7)
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, int64(7), got.VoucherID)
			}
			assert.Equal(t, 1, store.GetCalls)

			got, err := svc.GetSeckillVoucher(ctx, 8)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestGetOrder(t *testing.T) {
	_, store, svc := newVoucherFixture(t, cache.StrategyPassThrough)
	putOpen(store, 7, 3)
	ctx := context.Background()

	got, err := svc.GetOrder(ctx, 123)
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := &model.ClaimRecord{OrderID: 123, UserID: 1, VoucherID: 7}
	require.NoError(t, store.SettleOrder(ctx, rec.Order()))

	got, err = svc.GetOrder(ctx, 123)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.UserID)
	assert.Equal(t, int32(model.OrderStatusSettled), got.Status)
}
