// Package testutil 测试用的 Redis、日志和内存存储。
package testutil

import (
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewMiniRedis 启动进程内 Redis，测试结束自动关闭
func NewMiniRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// Logger 丢弃输出
func Logger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.SetLevel(logrus.DebugLevel)
	return log
}
