package processor

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/anypay/prices/pkg/config"
	"github.com/anypay/prices/pkg/models"
)

type Processor struct {
	logger     Logger
	reader     KafkaReader
	store      PriceStore
	cache      PriceCache
	publisher  Publisher
	numWorkers int
}

func NewProcessor(cfg *config.Config, logger Logger, reader KafkaReader, store PriceStore, cache PriceCache, publisher Publisher) *Processor {
	numWorkers := cfg.Processor.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Processor{
		logger:     logger,
		reader:     reader,
		store:      store,
		cache:      cache,
		publisher:  publisher,
		numWorkers: numWorkers,
	}
}

// RoutingKey is the topic exchange key for a pair, e.g. "BTC.USD".
func RoutingKey(obs models.PriceObservation) string {
	return obs.Currency + "." + obs.BaseCurrency
}

func (p *Processor) Run(ctx context.Context) error {
	workerChans := make([]chan []byte, p.numWorkers)
	var wg sync.WaitGroup

	for i := 0; i < p.numWorkers; i++ {
		workerChans[i] = make(chan []byte, 100)
		wg.Add(1)
		go p.worker(i, workerChans[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		p.logger.Info("Processor Started", zap.Int("workers", p.numWorkers))
		for {
			m, err := p.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				p.logger.Error("Kafka Read Error", zap.Error(err))
				continue
			}

			// Deterministic Sharding: Same pair always goes to same worker
			workerID := getWorkerID(m.Key, p.numWorkers)

			select {
			case workerChans[workerID] <- m.Value:
			case <-ctx.Done():
				return
			default:
				p.logger.Warn("Dropping slow packet", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	p.logger.Info("Shutdown signal received, stopping processor...")

	// the reader must stop sending before the worker channels close
	<-readerDone
	for _, ch := range workerChans {
		close(ch)
	}
	p.logger.Info("Waiting for workers to drain...")
	wg.Wait()

	return nil
}

func (p *Processor) worker(id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	ctx := context.Background()

	// Local state for deduplication (only works because of deterministic sharding)
	last := make(map[string]watermark)

	for payload := range msgs {
		var obs models.PriceObservation
		if err := json.Unmarshal(payload, &obs); err != nil {
			p.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}

		pair := obs.Pair()
		mark := watermark{timestamp: obs.Timestamp, seq: obs.SeqID}
		if !mark.after(last[pair]) {
			p.logger.Debug("Skipping duplicate observation",
				zap.String("pair", pair), zap.Int64("seq_id", obs.SeqID), zap.Int64("timestamp", obs.Timestamp))
			continue
		}

		if p.process(ctx, obs, payload) {
			p.logger.Debug("Processed", zap.String("pair", pair), zap.Int("worker_id", id), zap.Int64("seq_id", obs.SeqID))
			last[pair] = mark
		}
	}
}

// process stores, caches and publishes one observation. Storage and cache
// failures are logged; the observation only counts as processed once it has
// been published.
func (p *Processor) process(ctx context.Context, obs models.PriceObservation, payload []byte) bool {
	pair := obs.Pair()

	_, err := p.store.Create(ctx, models.PriceCreateRequest{
		Currency:     obs.Currency,
		BaseCurrency: obs.BaseCurrency,
		Value:        obs.Value,
		Source:       obs.Source,
	})
	if err != nil {
		p.logger.Error("Persist Error", zap.String("pair", pair), zap.Error(err))
	}

	if err := p.cache.SetSnapshot(ctx, obs, payload); err != nil {
		p.logger.Error("Cache Error", zap.String("pair", pair), zap.Error(err))
	}

	if err := p.publisher.Publish(ctx, RoutingKey(obs), payload); err != nil {
		p.logger.Error("Publish Error", zap.String("pair", pair), zap.Error(err))
		return false
	}
	return true
}

// watermark orders observations of one pair. The fetcher restarts its
// sequence at 1 when it restarts, so the observation time comes first.
type watermark struct {
	timestamp int64
	seq       int64
}

func (w watermark) after(prev watermark) bool {
	if w.timestamp != prev.timestamp {
		return w.timestamp > prev.timestamp
	}
	return w.seq > prev.seq
}

func getWorkerID(key []byte, numWorkers int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(numWorkers))
}
