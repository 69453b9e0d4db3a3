package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anypay/prices/pkg/models"
)

const keyPrefix = "price:"

// Compile-time check to ensure RedisStore implements PriceCache
var _ PriceCache = (*RedisStore)(nil)

// RedisStore keeps the latest observation per pair under "price:<PAIR>".
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func Key(pair string) string { return keyPrefix + pair }

// SetSnapshot stores payload as the latest value; the TTL keeps stale pairs
// from living forever.
func (r *RedisStore) SetSnapshot(ctx context.Context, obs models.PriceObservation, payload []byte) error {
	if err := r.client.Set(ctx, Key(obs.Pair()), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("caching %s: %w", obs.Pair(), err)
	}
	return nil
}

func (r *RedisStore) GetSnapshot(ctx context.Context, pair string) (models.PriceObservation, error) {
	var obs models.PriceObservation

	raw, err := r.client.Get(ctx, Key(pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return obs, ErrNoSnapshot
	}
	if err != nil {
		return obs, fmt.Errorf("reading %s: %w", pair, err)
	}

	if err := json.Unmarshal(raw, &obs); err != nil {
		return obs, fmt.Errorf("decoding %s: %w", pair, err)
	}
	return obs, nil
}

// GetSnapshots fetches the latest raw payloads for a list of pairs (MGET)
func (r *RedisStore) GetSnapshots(ctx context.Context, pairs []string) ([]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(pairs))
	for i, pair := range pairs {
		keys[i] = Key(pair)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var snapshots []string
	for _, val := range results {
		if payload, ok := val.(string); ok && payload != "" {
			snapshots = append(snapshots, payload)
		}
	}
	return snapshots, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
