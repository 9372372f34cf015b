package worker

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	deadLetterGroup = "group_dead_letter_persister"
)

type DeadMessageStore interface {
	InsertDeadMessages(ctx context.Context, records []model.DeadMessage) error
}

// DeadLetterConsumer 从死信流拉取消息并持久化到 MySQL，落库后 ACK
type DeadLetterConsumer struct {
	rdb      *redis.Client
	store    DeadMessageStore
	log      *logrus.Entry
	consumer string
	block    time.Duration
	interval time.Duration
	backoff  time.Duration
}

func NewDeadLetterConsumer(rdb *redis.Client, store DeadMessageStore, log *logrus.Logger) *DeadLetterConsumer {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pod-unknown"
	}
	return &DeadLetterConsumer{
		rdb:      rdb,
		store:    store,
		log:      log.WithField("worker", "DeadLetterConsumer"),
		consumer: fmt.Sprintf("dead-letter-%s", hostname),
		block:    5 * time.Second,
		interval: time.Minute,
		backoff:  time.Second,
	}
}

func (c *DeadLetterConsumer) Start(ctx context.Context, wg *sync.WaitGroup) {
	if err := ensureGroup(ctx, c.rdb, repository.DeadStreamKey, deadLetterGroup); err != nil {
		c.log.Errorf("failed to create dead letter group: %v", err)
	}

	wg.Add(2)
	go c.consume(ctx, wg)
	go c.startRecovery(ctx, wg)
}

func (c *DeadLetterConsumer) consume(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	c.log.Info("Started consuming dead stream")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Shutting down...")
			return
		default:
		}

		entries, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    deadLetterGroup,
			Consumer: c.consumer,
			Streams:  []string{repository.DeadStreamKey, ">"},
			Count:    10,
			Block:    c.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				c.log.Errorf("XReadGroup error: %v", err)
				pause(ctx, c.backoff)
			}
			continue
		}

		for _, stream := range entries {
			c.persist(ctx, stream.Messages)
		}
	}
}

// 落库失败的消息空闲一段时间后重新认领
func (c *DeadLetterConsumer) startRecovery(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   repository.DeadStreamKey,
				Group:    deadLetterGroup,
				Consumer: c.consumer,
				MinIdle:  c.interval,
				Start:    "0-0",
				Count:    50,
			}).Result()
			if err != nil {
				c.log.Errorf("XAutoClaim error: %v", err)
				continue
			}
			if len(msgs) > 0 {
				c.log.Infof("Claimed %d pending dead letters", len(msgs))
				c.persist(ctx, msgs)
			}
		}
	}
}

func (c *DeadLetterConsumer) persist(ctx context.Context, messages []redis.XMessage) {
	if len(messages) == 0 {
		return
	}

	records := make([]model.DeadMessage, 0, len(messages))
	ackIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		records = append(records, toDeadMessage(msg))
		ackIDs = append(ackIDs, msg.ID)
	}

	if err := c.store.InsertDeadMessages(ctx, records); err != nil {
		// 不 ACK，等待下次重试
		c.log.Errorf("Failed to persist %d dead messages: %v", len(records), err)
		return
	}

	if err := c.rdb.XAck(ctx, repository.DeadStreamKey, deadLetterGroup, ackIDs...).Err(); err != nil {
		c.log.Errorf("Failed to ACK %d dead messages: %v", len(ackIDs), err)
		return
	}
	c.log.Infof("Persisted and ACKed %d dead messages", len(records))
}

func toDeadMessage(msg redis.XMessage) model.DeadMessage {
	record := model.DeadMessage{
		MsgID:          getString(msg.Values, repository.DeadFieldMsgID),
		OriginalStream: getString(msg.Values, repository.DeadFieldOriginalStream),
		ConsumerGroup:  getString(msg.Values, repository.DeadFieldConsumerGroup),
		Payload:        getString(msg.Values, repository.DeadFieldPayload),
		ErrorReason:    getString(msg.Values, repository.DeadFieldErrorReason),
	}
	if record.MsgID == "" {
		record.MsgID = msg.ID
	}
	if ms, err := strconv.ParseInt(getString(msg.Values, repository.DeadFieldCreatedAt), 10, 64); err == nil {
		record.CreatedAt = time.UnixMilli(ms)
	}
	return record
}

// getString 安全地从 Redis Stream Values 中提取字符串
func getString(values map[string]interface{}, key string) string {
	if s, ok := values[key].(string); ok {
		return s
	}
	return ""
}
