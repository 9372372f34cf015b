package client

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	OrderEventsTopic = "seckill_order_events"
	tagOrderSettled  = "order_settled"
)

// MQProducer rocketmq.Producer 的子集
type MQProducer interface {
	SendSync(ctx context.Context, msgs ...*primitive.Message) (*primitive.SendResult, error)
}

// OrderEventPublisher 订单落库后通知下游（支付超时、通知等），尽力而为
type OrderEventPublisher struct {
	producer MQProducer
	cb       *gobreaker.CircuitBreaker
	topic    string
	timeout  time.Duration
	now      func() time.Time
}

// 外嵌熔断器
func NewOrderEventPublisher(producer MQProducer, log *logrus.Logger) *OrderEventPublisher {
	st := gobreaker.Settings{
		Name:        "OrderEventsMQ",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnf("CircuitBreaker[%s] state changed from %s to %s", name, from, to)
		},
	}

	return &OrderEventPublisher{
		producer: producer,
		cb:       gobreaker.NewCircuitBreaker(st),
		topic:    OrderEventsTopic,
		timeout:  3 * time.Second,
		now:      time.Now,
	}
}

func (p *OrderEventPublisher) PublishOrderSettled(ctx context.Context, order *model.VoucherOrder) error {
	orderID := strconv.FormatInt(order.ID, 10)
	body, err := json.Marshal(model.OrderSettledEvent{
		OrderID:   orderID,
		UserID:    order.UserID,
		VoucherID: order.VoucherID,
		Status:    "SETTLED",
		SettledAt: p.now().Unix(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal order settled event")
	}

	msg := primitive.NewMessage(p.topic, body)
	msg.WithKeys([]string{orderID})
	msg.WithTag(tagOrderSettled)

	// 1. 设置超时
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// 2. 熔断执行
	_, err = p.cb.Execute(func() (interface{}, error) {
		res, err := p.producer.SendSync(ctx, msg)
		if err != nil {
			return nil, err
		}
		if res.Status != primitive.SendOK {
			return nil, errors.Errorf("send status %v", res.Status)
		}
		return res, nil
	})
	return errors.Wrapf(err, "publish settled event of order %s", orderID)
}
