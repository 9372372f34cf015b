package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	DeadStreamKey = "mq:dead:letter"

	// 死信流只做中转，落库后即可丢弃，保留上限防止无限增长
	deadStreamMaxLen = 100000
)

// DeadLetter 字段名
const (
	DeadFieldOriginalStream = "original_stream"
	DeadFieldConsumerGroup  = "consumer_group"
	DeadFieldMsgID          = "msg_id"
	DeadFieldPayload        = "payload"
	DeadFieldErrorReason    = "error_reason"
	DeadFieldCreatedAt      = "created_at"
)

// DeadLetter 一条无法落库的 stream 消息
type DeadLetter struct {
	OriginalStream string
	ConsumerGroup  string
	MsgID          string
	Payload        string
	Reason         string
}

// DeadLetterProducer 死信队列生产者
type DeadLetterProducer struct {
	rdb redis.Cmdable
	log *logrus.Entry
	now func() time.Time
}

func NewDeadLetterProducer(rdb redis.Cmdable, log *logrus.Logger) *DeadLetterProducer {
	return &DeadLetterProducer{rdb: rdb, log: log.WithField("component", "DeadLetterProducer"), now: time.Now}
}

// SendToDeadLetter 写入死信流，由 DeadLetterConsumer 异步落库
func (d *DeadLetterProducer) SendToDeadLetter(ctx context.Context, dl DeadLetter) error {
	err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadStreamKey,
		MaxLen: deadStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			DeadFieldOriginalStream: dl.OriginalStream,
			DeadFieldConsumerGroup:  dl.ConsumerGroup,
			DeadFieldMsgID:          dl.MsgID,
			DeadFieldPayload:        dl.Payload,
			DeadFieldErrorReason:    dl.Reason,
			DeadFieldCreatedAt:      d.now().UnixMilli(),
		},
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "write dead letter %s", dl.MsgID)
	}

	d.log.WithFields(logrus.Fields{
		"stream": dl.OriginalStream,
		"msg_id": dl.MsgID,
		"reason": dl.Reason,
	}).Warn("[DeadLetter] claim record moved to dead stream")
	return nil
}
