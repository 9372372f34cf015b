// Copyright 2018 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/cache"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/client"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/config"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/handler"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/idgen"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/lock"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/model"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/repository"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/service"
	"github.com/GoogleCloudPlatform/microservices-demo/src/seckillservice/pkg/worker"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	redisotel "github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	serviceName    = "seckillservice"
	serviceVersion = "1.0.0"
)

var log *logrus.Logger

func init() {
	log = logrus.New()
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	} else {
		log.Warnf("invalid LOG_LEVEL %q, keep %s", cfg.LogLevel, log.GetLevel())
	}

	if cfg.EnableTracing {
		tp, err := initTracing(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start tracer: %+v", err)
		} else {
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down tracer provider: %v", err)
				}
			}()
		}

		mp, err := initMetrics(ctx, cfg.CollectorAddr)
		if err != nil {
			log.Warnf("warn: failed to start metric provider: %+v", err)
		} else {
			defer func() {
				if err := mp.Shutdown(context.Background()); err != nil {
					log.Errorf("Error shutting down metric provider: %v", err)
				}
			}()
		}
	}

	if !cfg.DisableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(serviceName, serviceVersion)
	} else {
		log.Info("Profiling disabled.")
	}

	// Propagate trace context
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

	db := initMySQL(cfg.MySQLAddr)
	rdb := initRedis(cfg)

	voucherRepo := repository.NewVoucherRepo(db)
	orderRepo := repository.NewOrderRepo(db)

	mutex := lock.NewMutex(rdb)
	ids := idgen.NewRedisIDWorker(rdb)

	strategy, _ := cache.ParseStrategy(cfg.Cache.Strategy)
	cacheClient := cache.NewClient(rdb, mutex, log, cfg.Cache.CacheOptions())
	voucherSvc := service.NewVoucherService(rdb, cacheClient, voucherRepo, orderRepo, strategy, cfg.Cache.TTL, log)

	// 两种下单模式互斥：加锁模式直接写库，不能再启动 Materializer
	var claimer service.Claimer
	switch cfg.Seckill.ClaimMode {
	case config.ClaimModeLock:
		log.Warn("Claim mode is lock: using synchronous locking path, materializer disabled")
		claimer = service.NewLockingSeckillService(service.DurableVoucherReader(voucherRepo), orderRepo, ids, mutex, log)
	default:
		opts := service.DefaultOptions()
		opts.StreamKey = cfg.Seckill.StreamKey
		opts.ScriptTimeout = cfg.Seckill.ScriptTimeout
		claimer = service.NewSeckillService(rdb, voucherSvc, voucherRepo, orderRepo, ids, log, opts)

		var events worker.OrderEventPublisher
		if p := initProducer(cfg.RocketMQNameServer); p != nil {
			defer p.Shutdown()
			events = client.NewOrderEventPublisher(p, log)
		}

		mopts := worker.DefaultMaterializerOptions()
		mopts.StreamKey = cfg.Seckill.StreamKey
		mopts.Group = cfg.Seckill.Group
		mopts.Consumer = cfg.Seckill.Consumer
		mopts.Count = cfg.Seckill.BatchSize
		mopts.Block = cfg.Seckill.Block
		mopts.RecoverInterval = cfg.Seckill.RecoverEvery
		mopts.MinIdle = cfg.Seckill.MinIdle
		mopts.MaxDeliveries = cfg.Seckill.MaxDeliveries

		dlp := repository.NewDeadLetterProducer(rdb, log)
		worker.NewOrderMaterializer(rdb, orderRepo, dlp, events, log, mopts).Start(ctx, &wg)
	}

	// 死信流 -> MySQL
	worker.NewDeadLetterConsumer(rdb, orderRepo, log).Start(ctx, &wg)
	worker.NewStockReconciler(rdb, voucherRepo, orderRepo, log, cfg.Seckill.ReconcileEvery).Start(ctx, &wg)

	limiter := handler.NewLimiter(rdb, log,
		cfg.RateLimit.GlobalRPS, cfg.RateLimit.GlobalBurst,
		cfg.RateLimit.IPRPS, cfg.RateLimit.IPBurst)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.NewServer(claimer, voucherSvc, limiter, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("starting http server at :%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	grpcSrv, hsrv := runHealth(cfg.HealthPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	<-sigCh
	log.Info("Gracefully shutting down...")

	hsrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown: %v", err)
	}

	// 通知 worker 退出，正在落库的消息会处理完
	cancel()
	wg.Wait()
	cacheClient.Wait()
	grpcSrv.GracefulStop()
}

func runHealth(port string) (*grpc.Server, *health.Server) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", port))
	if err != nil {
		log.Fatal(err)
	}

	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hsrv := health.NewServer()
	hsrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hsrv)

	log.Infof("starting grpc health server at :%s", port)
	go srv.Serve(listener)
	return srv, hsrv
}

func initMySQL(dsn string) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("failed to connect to mysql: %v", err)
	}

	// 监控 sql 语句执行时间
	if err := db.Use(otelgorm.NewPlugin()); err != nil {
		log.Fatalf("failed to initialize otelgorm plugin: %v", err)
	}

	if err := db.AutoMigrate(&model.Voucher{}, &model.SeckillVoucher{}, &model.VoucherOrder{}, &model.DeadMessage{}); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	log.Info("connected to mysql")
	return db
}

func initRedis(cfg *config.Config) *redis.Client {
	var rdb *redis.Client

	if len(cfg.RedisSentinelAddrs) > 0 {
		// [模式 A] 哨兵模式 (生产环境/K8s)
		log.Infof("Initializing Redis in Sentinel Mode. Sentinels: %v", cfg.RedisSentinelAddrs)

		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.RedisMasterName,
			SentinelAddrs: cfg.RedisSentinelAddrs,
			DB:            0,
		})
	} else {
		// [模式 B] 单机模式 (本地开发/旧环境)
		log.Infof("Initializing Redis in Single Node Mode. Addr: %s", cfg.RedisAddr)

		rdb = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
	}

	if err := redisotel.InstrumentTracing(rdb); err != nil {
		panic(err)
	}

	// 带重试的 Redis 连接；秒杀路径离不开 Redis，连不上直接退出
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()

		if err == nil {
			log.Info("connected to redis")
			return rdb
		}

		if i == maxRetries-1 {
			log.Fatalf("failed to connect to redis after %d retries: %v", maxRetries, err)
		}

		backoff := time.Duration(1<<i) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Warnf("redis not ready, retry in %v... (%d/%d)", backoff, i+1, maxRetries)
		time.Sleep(backoff)
	}
	return rdb
}

// initProducer 未配置 NameServer 或启动失败时返回 nil，落库事件随之关闭
func initProducer(nameServer string) rocketmq.Producer {
	if nameServer == "" {
		log.Info("ROCKETMQ_NAMESERVER not set, order events disabled")
		return nil
	}

	// RocketMQ Go 客户端不支持主机名，需要解析为 IP 地址
	resolvedAddr := resolveToIP(nameServer)
	log.Infof("RocketMQ NameServer: %s -> %s", nameServer, resolvedAddr)

	p, err := rocketmq.NewProducer(
		producer.WithNameServer([]string{resolvedAddr}),
		producer.WithGroupName("Seckill-OrderEvents"),
		producer.WithRetry(2),
	)
	if err != nil {
		log.Warnf("Failed to create RocketMQ producer: %v (order events disabled)", err)
		return nil
	}
	if err := p.Start(); err != nil {
		log.Warnf("Failed to start RocketMQ producer: %v (order events disabled)", err)
		return nil
	}
	log.Info("RocketMQ producer started")
	return p
}
