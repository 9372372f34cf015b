package service

import (
	"context"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/lock"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LockingSeckillService 早期的同步实现：按用户加分布式锁，直接在 MySQL 事务中扣库存写订单。
// 吞吐远低于 SeckillService，只在 SECKILL_CLAIM_MODE=lock 时启用，且不能与 Materializer 同时写库。
type LockingSeckillService struct {
	vouchers VoucherReader
	orders   repository.OrderRepo
	ids      IDGenerator
	mutex    *lock.Mutex
	log      *logrus.Entry
	lockTTL  time.Duration
	now      func() time.Time
}

func NewLockingSeckillService(vouchers VoucherReader, orders repository.OrderRepo, ids IDGenerator, mutex *lock.Mutex, log *logrus.Logger) *LockingSeckillService {
	return &LockingSeckillService{
		vouchers: vouchers,
		orders:   orders,
		ids:      ids,
		mutex:    mutex,
		log:      log.WithField("component", "LockingSeckillService"),
		lockTTL:  cache.LockTTL,
		now:      time.Now,
	}
}

func (s *LockingSeckillService) WithClock(now func() time.Time) *LockingSeckillService {
	s.now = now
	return s
}

func (s *LockingSeckillService) Claim(ctx context.Context, voucherID, userID int64) (ClaimResult, error) {
	sv, res, ok, err := checkSaleWindow(ctx, s.vouchers, voucherID, s.now())
	if err != nil || !ok {
		return res, err
	}
	if sv.Stock < 1 {
		return rejected(ClaimInsufficientStock), nil
	}

	// 同一用户的并发请求只放行一个
	key := cache.OrderLockKey(userID)
	token := lock.NewToken()
	acquired, err := s.mutex.TryAcquire(ctx, key, token, s.lockTTL)
	if err != nil {
		return ClaimResult{}, transient("acquire order lock", err)
	}
	if !acquired {
		return rejected(ClaimDuplicate), nil
	}
	defer func() {
		if _, err := s.mutex.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.log.Warnf("[LockingClaim] failed to release %s: %v", key, err)
		}
	}()

	exists, err := s.orders.OrderExists(ctx, userID, voucherID)
	if err != nil {
		return ClaimResult{}, transient("check existing order", err)
	}
	if exists {
		return rejected(ClaimDuplicate), nil
	}

	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return ClaimResult{}, transient("generate order id", err)
	}

	rec := &model.ClaimRecord{OrderID: orderID, UserID: userID, VoucherID: voucherID}
	err = s.orders.SettleOrder(ctx, rec.Order())
	switch {
	case err == nil:
		return ClaimResult{Outcome: ClaimAccepted, OrderID: orderID}, nil
	case errors.Is(err, repository.ErrStockExhausted):
		return rejected(ClaimInsufficientStock), nil
	case errors.Is(err, repository.ErrDuplicateOrder):
		return rejected(ClaimDuplicate), nil
	}
	return ClaimResult{}, transient("settle order", err)
}
