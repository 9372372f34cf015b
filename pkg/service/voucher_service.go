package service

import (
	"context"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// VoucherService 秒杀券的创建和查询。查询走可切换的缓存策略，也作为 Claim 的前置校验数据源。
type VoucherService struct {
	rdb      redis.Cmdable
	cache    *cache.Client
	repo     repository.VoucherRepo
	orders   repository.OrderRepo
	strategy cache.Strategy
	ttl      time.Duration
	grace    time.Duration
	log      *logrus.Entry
	now      func() time.Time
}

func NewVoucherService(rdb redis.Cmdable, cc *cache.Client, repo repository.VoucherRepo, orders repository.OrderRepo, strategy cache.Strategy, ttl time.Duration, log *logrus.Logger) *VoucherService {
	return &VoucherService{
		rdb:      rdb,
		cache:    cc,
		repo:     repo,
		orders:   orders,
		strategy: strategy,
		ttl:      ttl,
		grace:    DefaultOptions().StockKeyGrace,
		log:      log.WithField("component", "VoucherService"),
		now:      time.Now,
	}
}

// GetSeckillVoucher (nil, nil) 表示不存在
func (s *VoucherService) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	load := loadSeckillVoucher(s.repo)
	switch s.strategy {
	case cache.StrategyMutex:
		return cache.QueryWithMutex(ctx, s.cache, cache.SeckillVoucherPrefix, voucherID, load, s.ttl)
	case cache.StrategyLogical:
		return cache.QueryWithLogicalExpire(ctx, s.cache, cache.SeckillVoucherPrefix, voucherID, load, s.ttl)
	default:
		return cache.QueryWithPassThrough(ctx, s.cache, cache.SeckillVoucherPrefix, voucherID, load, s.ttl)
	}
}

// AddSeckillVoucher 落库后写入缓存库存；库存 key 在售卖窗口开始前初始化，之后只由 Lua 脚本修改
func (s *VoucherService) AddSeckillVoucher(ctx context.Context, voucher *model.Voucher, seckill *model.SeckillVoucher) error {
	if err := validateSeckill(voucher, seckill); err != nil {
		return err
	}
	if err := s.repo.CreateSeckillVoucher(ctx, voucher, seckill); err != nil {
		return err
	}

	ttl := seckill.EndTime.Sub(s.now()) + s.grace
	if ttl <= 0 {
		ttl = s.grace
	}
	if err := s.rdb.Set(ctx, cache.StockKey(seckill.VoucherID), seckill.Stock, ttl).Err(); err != nil {
		// 首次 Claim 会从 MySQL 预热，这里失败不回滚
		s.log.Warnf("[AddSeckillVoucher] failed to seed stock of voucher %d: %v", seckill.VoucherID, err)
	}

	key := cache.SeckillVoucherKey(seckill.VoucherID)
	var err error
	if s.strategy == cache.StrategyLogical {
		err = s.cache.SetWithLogicalExpire(ctx, key, seckill, s.ttl)
	} else {
		// 清掉可能存在的空值标记
		err = s.rdb.Del(ctx, key).Err()
	}
	if err != nil {
		s.log.Warnf("[AddSeckillVoucher] failed to refresh metadata cache of voucher %d: %v", seckill.VoucherID, err)
	}

	s.log.WithFields(logrus.Fields{
		"voucher_id": seckill.VoucherID,
		"stock":      seckill.Stock,
		"begin_time": seckill.BeginTime,
		"end_time":   seckill.EndTime,
	}).Info("[AddSeckillVoucher] seckill voucher created")
	return nil
}

// GetOrder (nil, nil) 表示订单还未落库或不存在
func (s *VoucherService) GetOrder(ctx context.Context, orderID int64) (*model.VoucherOrder, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return order, err
}

func validateSeckill(voucher *model.Voucher, seckill *model.SeckillVoucher) error {
	switch {
	case voucher == nil || seckill == nil:
		return errors.Wrap(ErrInvalidVoucher, "voucher and seckill info are required")
	case voucher.Title == "":
		return errors.Wrap(ErrInvalidVoucher, "title is required")
	case seckill.Stock <= 0:
		return errors.Wrapf(ErrInvalidVoucher, "stock must be positive, got %d", seckill.Stock)
	case !seckill.EndTime.After(seckill.BeginTime):
		return errors.Wrap(ErrInvalidVoucher, "endTime must be after beginTime")
	}
	return nil
}

func loadSeckillVoucher(repo repository.VoucherRepo) cache.Loader[model.SeckillVoucher] {
	return func(ctx context.Context, id int64) (*model.SeckillVoucher, error) {
		sv, err := repo.GetSeckillVoucher(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return sv, err
	}
}

type durableVoucherReader struct {
	repo repository.VoucherRepo
}

// DurableVoucherReader 直接读 MySQL，加锁下单路径需要实时库存
func DurableVoucherReader(repo repository.VoucherRepo) VoucherReader {
	return durableVoucherReader{repo: repo}
}

func (r durableVoucherReader) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	return loadSeckillVoucher(r.repo)(ctx, voucherID)
}
