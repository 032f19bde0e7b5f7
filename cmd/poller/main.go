package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/incident-command-service/internal/config"
	"github.com/richardliu001/incident-command-service/internal/logger"
	"github.com/richardliu001/incident-command-service/internal/relay"
	"github.com/richardliu001/incident-command-service/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/segmentio/kafka-go"
)

func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	pub := relay.NewKafkaPublisher(kw)
	defer pub.Close()

	repository := repo.NewRepository(gdb, log)
	r := relay.New(repository, pub, log, cfg.Relay.BatchSize, cfg.Relay.Interval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("incident-command-poller started")
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("relay: %v", err)
	}
}
