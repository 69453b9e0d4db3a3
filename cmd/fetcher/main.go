package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/anypay/prices/cmd/fetcher/internal/fetcher"
	"github.com/anypay/prices/pkg/config"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. Initialize Zap Logger
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	source, err := fetcher.NewCoinMarketCap(cfg.Fetcher.APIURL, cfg.Fetcher.APIKey, cfg.Fetcher.Source, nil)
	if err != nil {
		logger.Fatal("Invalid quote source configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Create Topic (Ensure it exists)
	clock := fetcher.RealClock{}
	dialer := &fetcher.RealKafkaDialer{Dialer: &kafka.Dialer{Timeout: 10 * time.Second}}
	fetcher.NewTopicCreator(logger, dialer, clock).Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)

	// 4. Setup Kafka Writer
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{}, // same pair, same partition
		BatchTimeout: 10 * time.Millisecond,
	}

	f := fetcher.NewFetcher(logger, writer, source, clock,
		cfg.Fetcher.Symbols, cfg.Fetcher.BaseCurrency, cfg.Fetcher.Interval)

	// 5. Poll until a shutdown signal arrives
	f.Run(ctx)
	logger.Info("Shutdown signal received")

	// 6. Flush Kafka Buffer
	if err := writer.Close(); err != nil {
		logger.Error("Error closing Kafka writer", zap.Error(err))
	} else {
		logger.Info("Kafka writer closed cleanly")
	}
}
