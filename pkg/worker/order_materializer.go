package worker

import (
	"context"
	"encoding/json"
	"strings"
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
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type DeadLetterSender interface {
	SendToDeadLetter(ctx context.Context, dl repository.DeadLetter) error
}

type OrderEventPublisher interface {
	PublishOrderSettled(ctx context.Context, order *model.VoucherOrder) error
}

type MaterializerOptions struct {
	StreamKey string
	Group     string
	Consumer  string
	Count     int64
	Block     time.Duration

	RecoverInterval time.Duration
	MinIdle         time.Duration
	MaxDeliveries   int64

	// 单条消息落库的最长时间，与退出信号无关
	ProcessTimeout time.Duration
}

func DefaultMaterializerOptions() MaterializerOptions {
	return MaterializerOptions{
		StreamKey:       cache.OrderStream,
		Group:           cache.OrderGroup,
		Consumer:        cache.OrderConsumer,
		Count:           10,
		Block:           500 * time.Millisecond,
		RecoverInterval: 30 * time.Second,
		MinIdle:         time.Minute,
		MaxDeliveries:   5,
		ProcessTimeout:  5 * time.Second,
	}
}

// OrderMaterializer 消费 stream_orders，把已受理的抢购记录落成 MySQL 订单。
// 先提交事务再 ACK：提交后崩溃只会导致重复投递，由幂等检查吸收。
type OrderMaterializer struct {
	rdb    *redis.Client
	repo   repository.OrderRepo
	dlq    DeadLetterSender
	events OrderEventPublisher
	log    *logrus.Entry
	opts   MaterializerOptions
	tracer trace.Tracer

	settledTotal   uint64
	skippedTotal   uint64
	failedTotal    uint64
	deadTotal      uint64
	ackFailTotal   uint64
	recoveredTotal uint64
}

// 构造 OrderMaterializer，events 可以为 nil
func NewOrderMaterializer(rdb *redis.Client, repo repository.OrderRepo, dlq DeadLetterSender, events OrderEventPublisher, log *logrus.Logger, opts MaterializerOptions) *OrderMaterializer {
	m := &OrderMaterializer{
		rdb:    rdb,
		repo:   repo,
		dlq:    dlq,
		events: events,
		log:    log.WithFields(logrus.Fields{"worker": "OrderMaterializer", "consumer": opts.Consumer}),
		opts:   opts,
		tracer: otel.Tracer("seckillservice-materializer"),
	}
	m.registerMetrics()
	return m
}

func (m *OrderMaterializer) registerMetrics() {
	meter := otel.GetMeterProvider().Meter("seckillservice.materializer")
	_, err := meter.Int64ObservableGauge("app_materializer_entries_total",
		metric.WithUnit("{entries}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(atomic.LoadUint64(&m.settledTotal)),
				metric.WithAttributes(attribute.String("result", "settled")))
			obs.Observe(int64(atomic.LoadUint64(&m.skippedTotal)),
				metric.WithAttributes(attribute.String("result", "duplicate_skipped")))
			obs.Observe(int64(atomic.LoadUint64(&m.failedTotal)),
				metric.WithAttributes(attribute.String("result", "failed")))
			obs.Observe(int64(atomic.LoadUint64(&m.deadTotal)),
				metric.WithAttributes(attribute.String("result", "dead_lettered")))
			obs.Observe(int64(atomic.LoadUint64(&m.ackFailTotal)),
				metric.WithAttributes(attribute.String("result", "ack_failed")))
			obs.Observe(int64(atomic.LoadUint64(&m.recoveredTotal)),
				metric.WithAttributes(attribute.String("result", "recovered")))
			return nil
		}),
	)
	if err != nil {
		m.log.Warnf("failed to register materializer metrics: %v", err)
	}
}

func (m *OrderMaterializer) Start(ctx context.Context, wg *sync.WaitGroup) {
	// 确保消费者组存在
	if err := ensureGroup(ctx, m.rdb, m.opts.StreamKey, m.opts.Group); err != nil {
		m.log.Errorf("[Materializer] failed to create consumer group: %v", err)
	}

	wg.Add(2)
	go m.consume(ctx, wg)
	go m.startRecovery(ctx, wg)
}

func ensureGroup(ctx context.Context, rdb *redis.Client, stream, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (m *OrderMaterializer) consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	m.log.Infof("[Materializer] Start consuming stream %s", m.opts.StreamKey)

	// 重启后先处理自己名下读过但未 ACK 的消息
	m.drainOwnPending(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("[Materializer] Shutting down")
			return
		default:
		}

		entries, err := m.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    m.opts.Group,
			Consumer: m.opts.Consumer,
			Streams:  []string{m.opts.StreamKey, ">"},
			Count:    m.opts.Count,
			Block:    m.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			m.log.Errorf("[Materializer] Failed to read stream: %v", err)
			pause(ctx, time.Second)
			continue
		}

		for _, stream := range entries {
			m.processBatch(ctx, stream.Messages)
		}
	}
}

// processBatch 逐条处理；收到退出信号后只完成当前这条，其余留在 PEL
func (m *OrderMaterializer) processBatch(ctx context.Context, msgs []redis.XMessage) int {
	for i, msg := range msgs {
		if ctx.Err() != nil {
			m.log.Infof("[Materializer] Shutting down, %d entries left pending", len(msgs)-i)
			return i
		}
		m.handle(ctx, msg)
	}
	return len(msgs)
}

// drainOwnPending 从 PEL 中按 ID 顺序读取，失败的消息留在 PEL 交给 recovery
func (m *OrderMaterializer) drainOwnPending(ctx context.Context) {
	start := "0"
	for ctx.Err() == nil {
		entries, err := m.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    m.opts.Group,
			Consumer: m.opts.Consumer,
			Streams:  []string{m.opts.StreamKey, start},
			Count:    m.opts.Count,
			Block:    -1,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				m.log.Errorf("[Materializer] Failed to read pending entries: %v", err)
			}
			return
		}
		if len(entries) == 0 || len(entries[0].Messages) == 0 {
			return
		}

		msgs := entries[0].Messages
		m.log.Infof("[Materializer] Re-processing %d pending entries", len(msgs))
		if m.processBatch(ctx, msgs) < len(msgs) {
			return
		}
		start = msgs[len(msgs)-1].ID
	}
}

// 读失败时的退避，避免 Redis 故障期间空转
func pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// handle 处理单条消息，返回是否已 ACK。落库使用与退出信号解耦的 context，保证事务不会被中途取消
func (m *OrderMaterializer) handle(ctx context.Context, msg redis.XMessage) bool {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ProcessTimeout)
	defer cancel()

	if !m.settle(pctx, msg) {
		return false
	}
	return m.ack(pctx, msg.ID)
}

// settle 返回 true 表示可以 ACK
func (m *OrderMaterializer) settle(ctx context.Context, msg redis.XMessage) bool {
	// PEL 中的消息可能已被 XTRIM 删除，只剩 ID
	if len(msg.Values) == 0 {
		m.log.Warnf("[Materializer] Entry %s has no body, acking", msg.ID)
		return true
	}

	rec, err := model.ParseClaimRecord(msg.Values)
	if err != nil {
		return m.deadLetter(ctx, msg, "invalid claim record: "+err.Error())
	}

	ctx, span := m.startSpan(ctx, rec)
	defer span.End()

	log := m.log.WithFields(logrus.Fields{
		"msg_id":     msg.ID,
		"order_id":   rec.OrderID,
		"user_id":    rec.UserID,
		"voucher_id": rec.VoucherID,
	})

	// 1. 幂等检查
	exists, err := m.repo.OrderExists(ctx, rec.UserID, rec.VoucherID)
	if err != nil {
		atomic.AddUint64(&m.failedTotal, 1)
		span.RecordError(err)
		log.Errorf("[Materializer] Idempotency check failed, left pending: %v", err)
		return false
	}
	if exists {
		atomic.AddUint64(&m.skippedTotal, 1)
		log.Info("[Materializer] Order already settled, skip")
		return true
	}

	// 2. 事务：扣 MySQL 库存 + 写订单
	order := rec.Order()
	err = m.repo.SettleOrder(ctx, order)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateOrder):
		atomic.AddUint64(&m.skippedTotal, 1)
		log.Info("[Materializer] Order inserted concurrently by another consumer, skip")
		return true
	case errors.Is(err, repository.ErrStockExhausted):
		// 缓存库存和 MySQL 不一致，重试无意义
		log.Error("[Materializer] Durable stock exhausted for accepted claim")
		return m.deadLetter(ctx, msg, err.Error())
	default:
		atomic.AddUint64(&m.failedTotal, 1)
		span.RecordError(err)
		log.Errorf("[Materializer] Settle transaction failed, left pending: %v", err)
		return false
	}

	atomic.AddUint64(&m.settledTotal, 1)
	log.Debug("[Materializer] Order settled")

	if m.events != nil {
		if err := m.events.PublishOrderSettled(ctx, order); err != nil {
			log.Warnf("[Materializer] Failed to publish settled event: %v", err)
		}
	}
	return true
}

func (m *OrderMaterializer) startSpan(ctx context.Context, rec *model.ClaimRecord) (context.Context, trace.Span) {
	var links []trace.Link
	if len(rec.TraceCtx) > 0 {
		sc := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(rec.TraceCtx))
		links = append(links, trace.Link{SpanContext: trace.SpanContextFromContext(sc)})
	}
	return m.tracer.Start(ctx, "seckill.materialize",
		trace.WithLinks(links...),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int64("order.id", rec.OrderID)),
	)
}

func (m *OrderMaterializer) deadLetter(ctx context.Context, msg redis.XMessage, reason string) bool {
	payload, _ := json.Marshal(msg.Values)
	err := m.dlq.SendToDeadLetter(ctx, repository.DeadLetter{
		OriginalStream: m.opts.StreamKey,
		ConsumerGroup:  m.opts.Group,
		MsgID:          msg.ID,
		Payload:        string(payload),
		Reason:         reason,
	})
	if err != nil {
		// 死信也写不进去就留在 PEL
		m.log.Errorf("[Materializer] CRITICAL: failed to dead-letter %s: %v", msg.ID, err)
		return false
	}
	atomic.AddUint64(&m.deadTotal, 1)
	return true
}

func (m *OrderMaterializer) ack(ctx context.Context, ids ...string) bool {
	if err := m.rdb.XAck(ctx, m.opts.StreamKey, m.opts.Group, ids...).Err(); err != nil {
		atomic.AddUint64(&m.ackFailTotal, 1)
		m.log.Errorf("[Materializer] Failed to ack %v: %v", ids, err)
		return false
	}
	return true
}

// startRecovery 定期认领空闲过久的 pending 消息（包括已退出的消费者和本消费者落库失败的消息）
func (m *OrderMaterializer) startRecovery(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(m.opts.RecoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("[Recovery] Shutting down")
			return
		case <-ticker.C:
			m.recoverPending(ctx)
		}
	}
}

func (m *OrderMaterializer) recoverPending(ctx context.Context) {
	pendings, err := m.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: m.opts.StreamKey,
		Group:  m.opts.Group,
		Idle:   m.opts.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil {
		m.log.Errorf("[Recovery] Failed to get pending entries: %v", err)
		return
	}
	if len(pendings) == 0 {
		return
	}

	ids := make([]string, 0, len(pendings))
	deliveries := make(map[string]int64, len(pendings))
	for _, p := range pendings {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}

	// 认领 pending 消息
	msgs, err := m.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   m.opts.StreamKey,
		Group:    m.opts.Group,
		Consumer: m.opts.Consumer,
		MinIdle:  m.opts.MinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		m.log.Errorf("[Recovery] Failed to claim pending entries: %v", err)
		return
	}

	m.log.Infof("[Recovery] Claimed %d pending entries", len(msgs))
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		if deliveries[msg.ID] >= m.opts.MaxDeliveries {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ProcessTimeout)
			if m.deadLetter(pctx, msg, "max deliveries exceeded") {
				m.ack(pctx, msg.ID)
			}
			cancel()
			continue
		}
		if m.handle(ctx, msg) {
			atomic.AddUint64(&m.recoveredTotal, 1)
		}
	}
}
