package worker

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// VoucherSnapshot 一次对账时某张券在缓存和 MySQL 两侧的状态
type VoucherSnapshot struct {
	VoucherID    int64
	CachedStock  int64
	CachedExists bool
	Claimants    int64
	DurableStock int64
	Settled      int64
}

// PendingSettlement 已受理但还未落库的数量
func (s VoucherSnapshot) PendingSettlement() int64 {
	return s.Claimants - s.Settled
}

// Violated 缓存库存不应超过 MySQL 库存
func (s VoucherSnapshot) Violated() bool {
	return s.CachedExists && s.CachedStock > s.DurableStock
}

// StockReconciler 只读对账：定期比较缓存库存/抢购人数与 MySQL 库存/订单数，不做任何写入
type StockReconciler struct {
	rdb      redis.Cmdable
	vouchers repository.VoucherRepo
	orders   repository.OrderRepo
	log      *logrus.Entry
	interval time.Duration
	limit    int
	now      func() time.Time

	scanTotal      uint64
	violationTotal uint64
	pendingGauge   int64
}

func NewStockReconciler(rdb redis.Cmdable, vouchers repository.VoucherRepo, orders repository.OrderRepo, log *logrus.Logger, interval time.Duration) *StockReconciler {
	w := &StockReconciler{
		rdb:      rdb,
		vouchers: vouchers,
		orders:   orders,
		log:      log.WithField("worker", "StockReconciler"),
		interval: interval,
		limit:    100,
		now:      time.Now,
	}
	w.registerMetrics()
	return w
}

func (w *StockReconciler) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("seckillservice.reconciler")
	_, err := meter.Int64ObservableGauge("app_reconcile_total",
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&w.scanTotal)),
				metric.WithAttributes(attribute.String("action", "scan")))
			obs.Observe(int64(atomic.LoadUint64(&w.violationTotal)),
				metric.WithAttributes(attribute.String("action", "violation")))
			obs.Observe(atomic.LoadInt64(&w.pendingGauge),
				metric.WithAttributes(attribute.String("action", "pending_settlement")))
			return nil
		}),
	)
	if err != nil {
		w.log.Warnf("failed to register reconciler metrics: %v", err)
	}
}

func (w *StockReconciler) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		w.log.Infof("Started reconciling seckill stock (every %v)", w.interval)
		for {
			select {
			case <-ctx.Done():
				w.log.Info("Stopping...")
				return
			case <-ticker.C:
				if _, err := w.Reconcile(ctx); err != nil {
					w.log.Errorf("Reconcile failed: %v", err)
				}
			}
		}
	}()
}

// Reconcile 扫描所有未结束的秒杀券
func (w *StockReconciler) Reconcile(ctx context.Context) ([]VoucherSnapshot, error) {
	list, err := w.vouchers.ListUnfinishedSeckillVouchers(ctx, w.now(), w.limit)
	if err != nil {
		return nil, errors.Wrap(err, "list unfinished seckill vouchers")
	}
	atomic.AddUint64(&w.scanTotal, 1)

	snapshots := make([]VoucherSnapshot, 0, len(list))
	var pending int64
	for _, sv := range list {
		snap, err := w.snapshot(ctx, sv)
		if err != nil {
			w.log.Warnf("Failed to snapshot voucher %d: %v", sv.VoucherID, err)
			continue
		}
		pending += snap.PendingSettlement()

		if snap.Violated() {
			atomic.AddUint64(&w.violationTotal, 1)
			w.log.WithFields(logrus.Fields{
				"voucher_id":    snap.VoucherID,
				"cached_stock":  snap.CachedStock,
				"durable_stock": snap.DurableStock,
			}).Error("Cached stock exceeds durable stock")
		}
		snapshots = append(snapshots, snap)
	}
	atomic.StoreInt64(&w.pendingGauge, pending)
	return snapshots, nil
}

func (w *StockReconciler) snapshot(ctx context.Context, sv *model.SeckillVoucher) (VoucherSnapshot, error) {
	snap := VoucherSnapshot{VoucherID: sv.VoucherID, DurableStock: int64(sv.Stock)}

	val, err := w.rdb.Get(ctx, cache.StockKey(sv.VoucherID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return snap, err
	default:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return snap, errors.Wrapf(err, "parse cached stock %q", val)
		}
		snap.CachedStock, snap.CachedExists = n, true
	}

	if snap.Claimants, err = w.rdb.SCard(ctx, cache.ClaimantKey(sv.VoucherID)).Result(); err != nil {
		return snap, err
	}
	if snap.Settled, err = w.orders.CountOrders(ctx, sv.VoucherID); err != nil {
		return snap, err
	}
	return snap, nil
}
