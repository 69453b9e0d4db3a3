package processor

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/anypay/prices/pkg/models"
)

// Logger abstracts the logging library
type Logger interface {
	Info(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Fatal(msg string, fields ...zap.Field)
	Sync() error
}

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// PriceStore persists every accepted observation.
type PriceStore interface {
	Create(ctx context.Context, req models.PriceCreateRequest) (models.Price, error)
}

// PriceCache keeps the latest observation per pair.
type PriceCache interface {
	SetSnapshot(ctx context.Context, obs models.PriceObservation, payload []byte) error
}

// Publisher fans observations out to live sessions.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}
