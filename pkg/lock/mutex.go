// Package lock 基于 Redis SET NX 的分布式互斥锁。
//
// 锁的值是每次加锁生成的 owner token，释放时比对 token 再删除，
// 防止持有者超时后误删别人的锁。持有者崩溃时依赖 TTL 自动释放。
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
	if redis.call('get', KEYS[1]) == ARGV[1] then
		return redis.call('del', KEYS[1])
	end
	return 0
`)

type Mutex struct {
	rdb redis.Cmdable
}

func NewMutex(rdb redis.Cmdable) *Mutex {
	return &Mutex{rdb: rdb}
}

// NewToken 每次加锁尝试生成一个新 token，不依赖 goroutine 身份
func NewToken() string {
	return uuid.NewString()
}

// TryAcquire 只尝试一次，不阻塞
func (m *Mutex) TryAcquire(ctx context.Context, key, ownerToken string, ttl time.Duration) (bool, error) {
	ok, err := m.rdb.SetNX(ctx, key, ownerToken, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", key)
	}
	return ok, nil
}

// Release 返回 false 表示锁已过期或已被他人持有
func (m *Mutex) Release(ctx context.Context, key, ownerToken string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.rdb, []string{key}, ownerToken).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "release lock %s", key)
	}
	return n == 1, nil
}
