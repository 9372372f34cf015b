package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// 脚本返回码
const (
	codeSuccess         = 0
	codeInsufficient    = 1
	codeDuplicate       = 2
	codeStockNotInitial = 3
)

const LuaSeckill = `
	-- KEYS: [stockKey, claimantKey, streamKey]
	-- ARGV: [voucherId, userId, orderId, traceCtx]

	-- 0. 库存未初始化，交给调用方预热
	local stock = redis.call('get', KEYS[1])
	if not stock then
		return 3
	end

	-- 1. 库存不足
	if tonumber(stock) <= 0 then
		return 1
	end

	-- 2. 一人一单
	if redis.call('sismember', KEYS[2], ARGV[2]) == 1 then
		return 2
	end

	-- 3. 扣库存，记录用户，投递订单消息
	redis.call('incrby', KEYS[1], -1)
	redis.call('sadd', KEYS[2], ARGV[2])
	redis.call('xadd', KEYS[3], '*', 'userId', ARGV[2], 'voucherId', ARGV[1], 'id', ARGV[3], 'trace_ctx', ARGV[4])
	return 0
`

// 库存 key 丢失时的回填：总量 = MySQL 剩余 + 已落库订单，减去 ClaimantSet 里已抢到的人数
// 待落库的抢购已在 ClaimantSet 中，因此不会被重新放出
const LuaWarmStock = `
	-- KEYS: [stockKey, claimantKey]
	-- ARGV: [totalStock, ttlMillis]

	if redis.call('exists', KEYS[1]) == 1 then
		return -1
	end

	local left = tonumber(ARGV[1]) - redis.call('scard', KEYS[2])
	if left < 0 then
		left = 0
	end
	redis.call('set', KEYS[1], left, 'PX', ARGV[2])
	return left
`

type Options struct {
	StreamKey     string
	ScriptTimeout time.Duration
	// 库存 key 在售卖结束后再保留多久
	StockKeyGrace time.Duration
}

func DefaultOptions() Options {
	return Options{
		StreamKey:     cache.OrderStream,
		ScriptTimeout: 500 * time.Millisecond,
		StockKeyGrace: 24 * time.Hour,
	}
}

// SeckillService 秒杀下单热路径：前置校验 -> 生成订单号 -> 一次 Lua 原子完成扣减、去重、投递
type SeckillService struct {
	rdb      redis.Cmdable
	vouchers VoucherReader
	stock    repository.VoucherRepo
	orders   repository.OrderRepo
	ids      IDGenerator
	log      *logrus.Entry
	opts     Options
	now      func() time.Time

	script *redis.Script
	warm   *redis.Script
	cb     *gobreaker.CircuitBreaker
	sf     singleflight.Group
	tracer trace.Tracer

	acceptedTotal     uint64
	insufficientTotal uint64
	duplicateTotal    uint64
	rejectedTotal     uint64
	transientTotal    uint64
	warmupTotal       uint64
}

func NewSeckillService(rdb redis.Cmdable, vouchers VoucherReader, stock repository.VoucherRepo, orders repository.OrderRepo, ids IDGenerator, log *logrus.Logger, opts Options) *SeckillService {
	st := gobreaker.Settings{
		Name:        "SeckillRedis",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},

		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}

	s := &SeckillService{
		rdb:      rdb,
		vouchers: vouchers,
		stock:    stock,
		orders:   orders,
		ids:      ids,
		log:      log.WithField("component", "SeckillService"),
		opts:     opts,
		now:      time.Now,
		script:   redis.NewScript(LuaSeckill),
		warm:     redis.NewScript(LuaWarmStock),
		cb:       gobreaker.NewCircuitBreaker(st),
		tracer:   otel.Tracer("seckillservice"),
	}
	s.registerMetrics()
	return s
}

// WithClock 售卖窗口判断使用的时钟，测试用
func (s *SeckillService) WithClock(now func() time.Time) *SeckillService {
	s.now = now
	return s
}

func (s *SeckillService) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("seckillservice.claim")
	_, err := meter.Int64ObservableGauge("app_seckill_claim_total",
		metric.WithUnit("{claims}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&s.acceptedTotal)),
				metric.WithAttributes(attribute.String("result", "accepted")))
			obs.Observe(int64(atomic.LoadUint64(&s.insufficientTotal)),
				metric.WithAttributes(attribute.String("result", "insufficient_stock")))
			obs.Observe(int64(atomic.LoadUint64(&s.duplicateTotal)),
				metric.WithAttributes(attribute.String("result", "duplicate")))
			obs.Observe(int64(atomic.LoadUint64(&s.rejectedTotal)),
				metric.WithAttributes(attribute.String("result", "window_rejected")))
			obs.Observe(int64(atomic.LoadUint64(&s.transientTotal)),
				metric.WithAttributes(attribute.String("result", "transient_error")))
			obs.Observe(int64(atomic.LoadUint64(&s.warmupTotal)),
				metric.WithAttributes(attribute.String("result", "stock_warmup")))
			return nil
		}),
	)
	if err != nil {
		s.log.Warnf("failed to register claim metrics: %v", err)
	}
}

func (s *SeckillService) Claim(ctx context.Context, voucherID, userID int64) (ClaimResult, error) {
	ctx, span := s.tracer.Start(ctx, "seckill.claim",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("voucher.id", voucherID),
			attribute.Int64("user.id", userID),
		))
	defer span.End()

	res, err := s.claim(ctx, voucherID, userID)
	switch {
	case err != nil:
		atomic.AddUint64(&s.transientTotal, 1)
		span.RecordError(err)
	case res.Outcome == ClaimAccepted:
		atomic.AddUint64(&s.acceptedTotal, 1)
	case res.Outcome == ClaimInsufficientStock:
		atomic.AddUint64(&s.insufficientTotal, 1)
	case res.Outcome == ClaimDuplicate:
		atomic.AddUint64(&s.duplicateTotal, 1)
	default:
		atomic.AddUint64(&s.rejectedTotal, 1)
	}
	span.SetAttributes(attribute.String("claim.outcome", res.Reason()))
	return res, err
}

func (s *SeckillService) claim(ctx context.Context, voucherID, userID int64) (ClaimResult, error) {
	sv, res, ok, err := checkSaleWindow(ctx, s.vouchers, voucherID, s.now())
	if err != nil || !ok {
		return res, err
	}

	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		return ClaimResult{}, transient("generate order id", err)
	}

	// 注入 Trace Context，Materializer 侧做 span link
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	traceCtx, _ := json.Marshal(carrier)

	keys := []string{cache.StockKey(voucherID), cache.ClaimantKey(voucherID), s.opts.StreamKey}
	args := []interface{}{voucherID, userID, orderID, string(traceCtx)}

	// 最多预热两次
	for attempt := 0; attempt < 3; attempt++ {
		code, err := s.execScript(ctx, keys, args)
		if err != nil {
			return ClaimResult{}, err
		}

		switch code {
		case codeSuccess:
			return ClaimResult{Outcome: ClaimAccepted, OrderID: orderID}, nil
		case codeInsufficient:
			return rejected(ClaimInsufficientStock), nil
		case codeDuplicate:
			return rejected(ClaimDuplicate), nil
		case codeStockNotInitial:
			if err := s.warmStock(ctx, sv.VoucherID, sv.EndTime); err != nil {
				return ClaimResult{}, transient("warm stock", err)
			}
		default:
			return ClaimResult{}, transient("seckill script", errors.Errorf("unexpected return code %d", code))
		}
	}
	return ClaimResult{}, transient("seckill script", errors.Errorf("stock of voucher %d not initialized", voucherID))
}

// 执行Lua脚本，外嵌熔断器；超时同样视为暂时失败，不代表扣减成功
func (s *SeckillService) execScript(ctx context.Context, keys []string, args []interface{}) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ScriptTimeout)
	defer cancel()

	val, err := s.cb.Execute(func() (interface{}, error) {
		res, err := s.script.Run(ctx, s.rdb, keys, args...).Result()
		if err != nil {
			s.log.Errorf("[Claim] Lua exec failed: %v", err)
			return nil, err
		}
		code, ok := res.(int64)
		if !ok {
			return nil, errors.Errorf("unexpected lua return type %T", res)
		}
		return code, nil
	})
	if err != nil {
		return 0, transient("seckill script", err)
	}
	return val.(int64), nil
}

// warmStock 缓存库存丢失时按 总量 - 已抢人数 回填，key 已存在则不覆盖
func (s *SeckillService) warmStock(ctx context.Context, voucherID int64, endTime time.Time) error {
	_, err, _ := s.sf.Do("warm_stock:"+strconv.FormatInt(voucherID, 10), func() (interface{}, error) {
		sv, err := s.stock.GetSeckillVoucher(ctx, voucherID)
		if err != nil {
			return nil, err
		}
		settled, err := s.orders.CountOrders(ctx, voucherID)
		if err != nil {
			return nil, err
		}
		total := int64(sv.Stock) + settled

		ttl := endTime.Sub(s.now()) + s.opts.StockKeyGrace
		if ttl <= 0 {
			ttl = s.opts.StockKeyGrace
		}
		left, err := s.warm.Run(ctx, s.rdb,
			[]string{cache.StockKey(voucherID), cache.ClaimantKey(voucherID)},
			total, ttl.Milliseconds()).Int64()
		if err != nil {
			return nil, err
		}
		if left >= 0 {
			atomic.AddUint64(&s.warmupTotal, 1)
			s.log.Infof("[Claim] warmed stock of voucher %d: total %d, left %d", voucherID, total, left)
		}
		return nil, nil
	})
	return err
}
