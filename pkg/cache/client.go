package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/lock"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrRebuildBusy 互斥重建等待超过最大重试次数
var ErrRebuildBusy = errors.New("cache rebuild busy")

type Strategy string

const (
	StrategyPassThrough Strategy = "passthrough"
	StrategyMutex       Strategy = "mutex"
	StrategyLogical     Strategy = "logical"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPassThrough, StrategyMutex, StrategyLogical:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown cache strategy %q", s)
}

type Options struct {
	NullTTL        time.Duration
	LockTTL        time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
	TTLJitter      time.Duration
	RebuildTimeout time.Duration
	MaxRebuilds    int
}

func DefaultOptions() Options {
	return Options{
		NullTTL:        NullTTL,
		LockTTL:        LockTTL,
		RetryInterval:  50 * time.Millisecond,
		MaxRetries:     40,
		TTLJitter:      time.Minute,
		RebuildTimeout: 5 * time.Second,
		MaxRebuilds:    10,
	}
}

// Loader 回源函数，(nil, nil) 表示记录不存在
type Loader[T any] func(ctx context.Context, id int64) (*T, error)

type logicalValue struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

type Client struct {
	rdb   redis.Cmdable
	mutex *lock.Mutex
	log   *logrus.Entry
	opts  Options
	now   func() time.Time

	rebuildSem chan struct{}
	rebuilds   sync.WaitGroup
}

func NewClient(rdb redis.Cmdable, mutex *lock.Mutex, log *logrus.Logger, opts Options) *Client {
	if opts.MaxRebuilds <= 0 {
		opts.MaxRebuilds = 1
	}
	return &Client{
		rdb:        rdb,
		mutex:      mutex,
		log:        log.WithField("component", "CacheClient"),
		opts:       opts,
		now:        time.Now,
		rebuildSem: make(chan struct{}, opts.MaxRebuilds),
	}
}

// WithClock 逻辑过期判断使用的时钟，测试用
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// Wait 等待所有后台重建结束
func (c *Client) Wait() {
	c.rebuilds.Wait()
}

// Set 写入 JSON，带 TTL 抖动避免同时过期
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	if ttl > 0 && c.opts.TTLJitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.opts.TTLJitter)))
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// SetWithLogicalExpire 不设置 Redis TTL，过期时间写在 value 里
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	wrapped, err := json.Marshal(logicalValue{Data: data, ExpireTime: c.now().Add(ttl)})
	if err != nil {
		return errors.Wrapf(err, "marshal logical value %s", key)
	}
	return c.rdb.Set(ctx, key, wrapped, 0).Err()
}

// 缓存空值，防止穿透
func (c *Client) setNull(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, key, "", c.opts.NullTTL).Err(); err != nil {
		c.log.Warnf("[Cache] failed to write null marker %s: %v", key, err)
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// getCached hit=true 且 value=nil 表示命中空值
func getCached[T any](ctx context.Context, c *Client, key string) (*T, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "get %s", key)
	}
	if val == "" {
		return nil, true, nil
	}

	var t T
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		// 脏数据当作未命中，回源覆盖
		c.log.Errorf("[Cache] failed to unmarshal %s: %v", key, err)
		return nil, false, nil
	}
	return &t, true, nil
}

// QueryWithPassThrough 缓存穿透：不存在的记录也缓存一个空串
func QueryWithPassThrough[T any](ctx context.Context, c *Client, prefix string, id int64, load Loader[T], ttl time.Duration) (*T, error) {
	key := joinKey(prefix, id)

	t, hit, err := getCached[T](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if hit {
		return t, nil
	}

	t, err = load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		c.setNull(ctx, key)
		return nil, nil
	}
	if err := c.Set(ctx, key, t, ttl); err != nil {
		c.log.Warnf("[Cache] failed to write back %s: %v", key, err)
	}
	return t, nil
}

// QueryWithMutex 缓存击穿：同一个 key 只有拿到锁的调用方回源，其余等待后重试
func QueryWithMutex[T any](ctx context.Context, c *Client, prefix string, id int64, load Loader[T], ttl time.Duration) (*T, error) {
	key := joinKey(prefix, id)
	lk := lockKey(key)

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		t, hit, err := getCached[T](ctx, c, key)
		if err != nil {
			return nil, err
		}
		if hit {
			return t, nil
		}

		token := lock.NewToken()
		ok, err := c.mutex.TryAcquire(ctx, lk, token, c.opts.LockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return rebuildWithLock(ctx, c, key, lk, token, id, load, ttl)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.opts.RetryInterval):
		}
	}
	return nil, errors.Wrapf(ErrRebuildBusy, "%s after %d retries", key, c.opts.MaxRetries)
}

func rebuildWithLock[T any](ctx context.Context, c *Client, key, lk, token string, id int64, load Loader[T], ttl time.Duration) (*T, error) {
	defer c.release(lk, token)

	// double check，上一个持锁者可能刚写完
	t, hit, err := getCached[T](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if hit {
		return t, nil
	}

	t, err = load(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		c.setNull(ctx, key)
		return nil, nil
	}
	if err := c.Set(ctx, key, t, ttl); err != nil {
		c.log.Warnf("[Cache] failed to write back %s: %v", key, err)
	}
	return t, nil
}

// QueryWithLogicalExpire 逻辑过期：永远直接返回缓存值，过期时由一个后台 goroutine 重建。
// 未预热的 key 返回 (nil, nil)。
func QueryWithLogicalExpire[T any](ctx context.Context, c *Client, prefix string, id int64, load Loader[T], ttl time.Duration) (*T, error) {
	key := joinKey(prefix, id)

	t, expireAt, found, err := getLogical[T](ctx, c, key)
	if err != nil || !found {
		return nil, err
	}
	if c.now().Before(expireAt) {
		return t, nil
	}

	lk := lockKey(key)
	token := lock.NewToken()
	ok, err := c.mutex.TryAcquire(ctx, lk, token, c.opts.LockTTL)
	if err != nil {
		c.log.Warnf("[Cache] rebuild lock %s unavailable, serving stale: %v", key, err)
		return t, nil
	}
	if ok {
		c.spawnRebuild(key, lk, token, func(ctx context.Context) error {
			// double check
			_, expireAt, found, err := getLogical[T](ctx, c, key)
			if err != nil {
				return err
			}
			if found && c.now().Before(expireAt) {
				return nil
			}

			fresh, err := load(ctx, id)
			if err != nil {
				return err
			}
			if fresh == nil {
				return c.rdb.Del(ctx, key).Err()
			}
			return c.SetWithLogicalExpire(ctx, key, fresh, ttl)
		})
	}
	return t, nil
}

func getLogical[T any](ctx context.Context, c *Client, key string) (*T, time.Time, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "get %s", key)
	}

	var lv logicalValue
	if err := json.Unmarshal([]byte(val), &lv); err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "unmarshal logical value %s", key)
	}
	var t T
	if err := json.Unmarshal(lv.Data, &t); err != nil {
		return nil, time.Time{}, false, errors.Wrapf(err, "unmarshal logical data %s", key)
	}
	return &t, lv.ExpireTime, true, nil
}

// spawnRebuild 后台重建，错误只记录日志；重建协程数受 rebuildSem 限制
func (c *Client) spawnRebuild(key, lk, token string, rebuild func(ctx context.Context) error) {
	select {
	case c.rebuildSem <- struct{}{}:
	default:
		c.log.Warnf("[Cache] too many rebuilds in flight, skip %s", key)
		c.release(lk, token)
		return
	}

	c.rebuilds.Add(1)
	go func() {
		defer c.rebuilds.Done()
		defer func() { <-c.rebuildSem }()
		defer c.release(lk, token)

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RebuildTimeout)
		defer cancel()

		if err := rebuild(ctx); err != nil {
			c.log.Errorf("[Cache] background rebuild of %s failed: %v", key, err)
		}
	}()
}

func (c *Client) release(lk, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.mutex.Release(ctx, lk, token); err != nil {
		c.log.Warnf("[Cache] failed to release %s: %v", lk, err)
	}
}
