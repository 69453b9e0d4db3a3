package testutils

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/anypay/prices/pkg/models"
)

type MockKafkaReader struct {
	Messages []kafka.Message
	Index    int
	Mu       sync.Mutex
	// Closed simulates a closed connection or end of stream
	Closed bool
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Closed {
		return kafka.Message{}, io.EOF
	}

	if m.Index >= len(m.Messages) {
		// Returning DeadlineExceeded is a clean way to stop the processor loop in tests
		return kafka.Message{}, context.DeadlineExceeded
	}

	msg := m.Messages[m.Index]
	m.Index++
	return msg, nil
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type MockPriceStore struct {
	Mu         sync.Mutex
	Created    []models.PriceCreateRequest
	ShouldFail bool
}

func (m *MockPriceStore) Create(ctx context.Context, req models.PriceCreateRequest) (models.Price, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return models.Price{}, errors.New("db down")
	}
	m.Created = append(m.Created, req)
	return models.Price{
		ID:           uuid.New(),
		Currency:     req.Currency,
		BaseCurrency: req.BaseCurrency,
		Value:        req.Value,
		Source:       req.Source,
	}, nil
}

func (m *MockPriceStore) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Created)
}

type MockPriceCache struct {
	Mu        sync.Mutex
	Snapshots map[string][]byte
	Sets      int
}

func NewMockPriceCache() *MockPriceCache {
	return &MockPriceCache{Snapshots: make(map[string][]byte)}
}

func (m *MockPriceCache) SetSnapshot(ctx context.Context, obs models.PriceObservation, payload []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Sets++
	m.Snapshots[obs.Pair()] = payload
	return nil
}

type Published struct {
	RoutingKey string
	Body       []byte
}

type MockPublisher struct {
	Mu         sync.Mutex
	Messages   []Published
	ShouldFail bool
}

func (m *MockPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("channel closed")
	}
	m.Messages = append(m.Messages, Published{RoutingKey: routingKey, Body: body})
	return nil
}

func (m *MockPublisher) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Messages)
}
