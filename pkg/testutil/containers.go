//go:build integration

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	redis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Environment 真实 Redis + MySQL 容器，测试结束自动销毁
type Environment struct {
	Redis *redis.Client
	DB    *gorm.DB
}

func SetupEnvironment(t testing.TB) *Environment {
	t.Helper()
	ctx := context.Background()

	redisC, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = tc.TerminateContainer(redisC) })

	endpoint, err := redisC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        endpoint,
		DialTimeout: 5 * time.Second,
	})
	t.Cleanup(func() { _ = rdb.Close() })

	mysqlC, err := tcmysql.Run(ctx, "mysql:8.0.36",
		tcmysql.WithDatabase("seckill_db"),
		tcmysql.WithUsername("root"),
		tcmysql.WithPassword("root_password"),
	)
	if err != nil {
		t.Fatalf("failed to start mysql container: %v", err)
	}
	t.Cleanup(func() { _ = tc.TerminateContainer(mysqlC) })

	dsn, err := mysqlC.ConnectionString(ctx, "parseTime=true", "loc=Local")
	if err != nil {
		t.Fatalf("failed to get mysql dsn: %v", err)
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to connect mysql: %v", err)
	}
	if err := db.AutoMigrate(&model.Voucher{}, &model.SeckillVoucher{}, &model.VoucherOrder{}, &model.DeadMessage{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	return &Environment{Redis: rdb, DB: db}
}
