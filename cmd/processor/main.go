package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anypay/prices/cmd/processor/internal/processor"
	"github.com/anypay/prices/pkg/broker"
	"github.com/anypay/prices/pkg/config"
	"github.com/anypay/prices/pkg/repository"
	"github.com/anypay/prices/pkg/storage/postgres"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to open Postgres", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(db, logger); err != nil {
		logger.Fatal("Failed to migrate Postgres", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	cache := repository.NewRedisStore(rdb, cfg.Redis.TTL)
	defer cache.Close()

	amqpConn, err := amqp.Dial(cfg.AMQP.URL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer amqpConn.Close()

	ch, err := amqpConn.Channel()
	if err != nil {
		logger.Fatal("Failed to open AMQP channel", zap.Error(err))
	}
	publisher, err := broker.NewPublisher(ch, cfg.AMQP.Exchange)
	if err != nil {
		logger.Fatal("Failed to declare exchange", zap.Error(err))
	}
	defer publisher.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.Topic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 200,
		MaxBytes: 10e6,
		MaxWait:  200 * time.Millisecond,
		// Auto-commit for throughput with deduplication by SeqID
		CommitInterval: time.Second,
		// Rebalancing: 3s heartbeat, 10s session timeout for responsive scaling
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    10 * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc := processor.NewProcessor(cfg, logger, reader, postgres.New(db), cache, publisher)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return proc.Run(gctx)
	})
	g.Go(func() error {
		closed := amqpConn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-gctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("amqp connection closed: %v", amqpErr)
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("Processor stopped", zap.Error(err))
	}

	logger.Info("Closing Kafka Reader...")
	if err := reader.Close(); err != nil {
		logger.Error("Error closing reader", zap.Error(err))
	}
	logger.Info("Processor exited cleanly")
}
