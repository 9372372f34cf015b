package idgen

import (
	"context"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

const (
	// 2022-01-01 00:00:00 UTC
	beginTimestamp int64 = 1640995200
	countBits            = 32
	countMask      int64 = 1<<countBits - 1
)

// RedisIDWorker 生成 (秒级时间戳 << 32 | 当日自增序号) 形式的 id。
// 唯一性由 Redis INCR 保证，时间戳部分只提供大致有序。
type RedisIDWorker struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisIDWorker(rdb redis.Cmdable) *RedisIDWorker {
	return &RedisIDWorker{rdb: rdb, now: time.Now}
}

// WithClock 测试用
func (w *RedisIDWorker) WithClock(now func() time.Time) *RedisIDWorker {
	w.now = now
	return w
}

func (w *RedisIDWorker) NextID(ctx context.Context, keyPrefix string) (int64, error) {
	now := w.now().UTC()
	timestamp := now.Unix() - beginTimestamp

	key := "icr:" + keyPrefix + ":" + now.Format("2006:01:02")
	count, err := w.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "incr %s", key)
	}
	if count > countMask {
		return 0, errors.Errorf("id counter %s overflowed", key)
	}

	return timestamp<<countBits | count, nil
}

// Timestamp 还原 id 中的时间部分
func Timestamp(id int64) time.Time {
	return time.Unix(id>>countBits+beginTimestamp, 0).UTC()
}

// Sequence 还原 id 中的序号部分
func Sequence(id int64) int64 {
	return id & countMask
}
