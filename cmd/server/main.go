package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/richardliu001/incident-command-service/internal/config"
	"github.com/richardliu001/incident-command-service/internal/logger"
	"github.com/richardliu001/incident-command-service/internal/queue"
	"github.com/richardliu001/incident-command-service/internal/repo"
	"github.com/richardliu001/incident-command-service/internal/service"
	httptransport "github.com/richardliu001/incident-command-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := repo.AutoMigrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		// the list cache fails open, so a missing redis only costs latency
		log.Warnw("redis ping failed", "addr", cfg.Redis.Addr, "error", err)
	}

	// 5. rabbitmq
	pub, err := queue.Dial(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, log)
	if err != nil {
		log.Fatalf("rabbitmq: %v", err)
	}
	defer pub.Close()

	// 6. repo & service
	repository := repo.NewRepository(gdb, log,
		repo.WithTTL(cfg.Idempotency.TTL()),
		repo.WithCanonicalHash(cfg.Idempotency.HashCanonical),
	)
	cache := repo.NewOccurrenceListCache(rdb, cfg.Cache, log)
	svc, err := service.NewCommandService(repository, pub, cache, log)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}

	// 7. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, cfg.Idempotency, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("incident-command-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
