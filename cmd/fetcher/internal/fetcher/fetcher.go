package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/anypay/prices/pkg/models"
)

// Fetcher polls a quote source and writes one observation per symbol to Kafka.
type Fetcher struct {
	logger      *zap.Logger
	writer      KafkaWriter
	source      QuoteSource
	clock       Clock
	symbols     []string
	base        string
	interval    time.Duration
	seqCounters map[string]int64
}

func NewFetcher(
	logger *zap.Logger,
	writer KafkaWriter,
	source QuoteSource,
	clock Clock,
	symbols []string,
	base string,
	interval time.Duration,
) *Fetcher {
	upper := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			upper = append(upper, s)
		}
	}
	return &Fetcher{
		logger:      logger,
		writer:      writer,
		source:      source,
		clock:       clock,
		symbols:     upper,
		base:        strings.ToUpper(base),
		interval:    interval,
		seqCounters: make(map[string]int64),
	}
}

// Run polls until ctx is cancelled. A failed poll is logged and retried on
// the next tick.
func (f *Fetcher) Run(ctx context.Context) {
	f.logger.Info("Fetcher Started",
		zap.Strings("symbols", f.symbols),
		zap.String("base", f.base),
		zap.Duration("interval", f.interval))

	for {
		if err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("Poll failed", zap.String("source", f.source.Name()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(f.interval):
		}
	}
}

// Poll fetches every symbol once and writes the observations as one batch.
func (f *Fetcher) Poll(ctx context.Context) error {
	if len(f.symbols) == 0 {
		return nil
	}

	prices, err := f.source.Fetch(ctx, f.symbols, f.base)
	if err != nil {
		return fmt.Errorf("fetching quotes: %w", err)
	}

	now := f.clock.Now().UnixMicro()
	msgs := make([]kafka.Message, 0, len(f.symbols))
	for _, sym := range f.symbols {
		value, ok := prices[sym]
		if !ok {
			continue
		}

		obs := models.PriceObservation{
			Currency:     sym,
			BaseCurrency: f.base,
			Value:        value,
			Source:       f.source.Name(),
			Timestamp:    now,
		}
		pair := obs.Pair()
		f.seqCounters[pair]++
		obs.SeqID = f.seqCounters[pair]

		payload, err := json.Marshal(obs)
		if err != nil {
			f.logger.Error("JSON Marshal Error", zap.Error(err))
			continue
		}
		// Key ensures partition ordering per pair
		msgs = append(msgs, kafka.Message{Key: []byte(pair), Value: payload})
		f.logger.Debug("Observed price", zap.String("pair", pair), zap.Float64("value", value))
	}

	if len(msgs) == 0 {
		return nil
	}
	if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing observations: %w", err)
	}
	return nil
}
