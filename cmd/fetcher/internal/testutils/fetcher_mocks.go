package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/anypay/prices/cmd/fetcher/internal/fetcher"
)

type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("kafka error")
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Count() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Messages)
}

func (m *MockKafkaWriter) Close() error { return nil }

// MockClock never blocks: After advances virtual time and fires at once.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CurrentTime
}

func (m *MockClock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.CurrentTime = m.CurrentTime.Add(d)
	now := m.CurrentTime
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// MockSource returns fixed prices, or Err when set.
type MockSource struct {
	Mu     sync.Mutex
	Prices map[string]float64
	Err    error
	Calls  int
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) Fetch(ctx context.Context, symbols []string, base string) (map[string]float64, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if v, ok := m.Prices[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

type MockKafkaConn struct {
	CreatedTopics []string
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
	}
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	// Simulate "Ready" state immediately
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Dialed  []string
	FailAll bool
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (fetcher.KafkaConn, error) {
	m.Dialed = append(m.Dialed, address)
	if m.FailAll {
		return nil, errors.New("connection refused")
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}
