package fetcher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anypay/prices/cmd/fetcher/internal/fetcher"
	"github.com/anypay/prices/cmd/fetcher/internal/testutils"
	"github.com/anypay/prices/pkg/models"
)

func TestFetcher_Poll(t *testing.T) {
	mockWriter := &testutils.MockKafkaWriter{}
	source := &testutils.MockSource{Prices: map[string]float64{"BTC": 64000, "ETH": 3100}}
	clock := &testutils.MockClock{CurrentTime: time.Unix(1700000000, 0)}

	f := fetcher.NewFetcher(zap.NewNop(), mockWriter, source, clock, []string{"btc", " eth "}, "usd", time.Minute)

	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	mockWriter.Mu.Lock()
	defer mockWriter.Mu.Unlock()

	if len(mockWriter.Messages) != 4 {
		t.Fatalf("Expected 4 messages, got %d", len(mockWriter.Messages))
	}

	var obs models.PriceObservation
	if err := json.Unmarshal(mockWriter.Messages[2].Value, &obs); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if string(mockWriter.Messages[2].Key) != "BTC-USD" {
		t.Errorf("Expected key BTC-USD, got %s", mockWriter.Messages[2].Key)
	}
	if obs.Currency != "BTC" || obs.BaseCurrency != "USD" || obs.Value != 64000 {
		t.Errorf("Unexpected observation %+v", obs)
	}
	if obs.SeqID != 2 {
		t.Errorf("Expected SeqID 2 on second poll, got %d", obs.SeqID)
	}
	if obs.Source != "mock" {
		t.Errorf("Expected source mock, got %s", obs.Source)
	}
	if obs.Timestamp != time.Unix(1700000000, 0).UnixMicro() {
		t.Errorf("Unexpected timestamp %d", obs.Timestamp)
	}
}

func TestFetcher_PollSkipsMissingSymbol(t *testing.T) {
	mockWriter := &testutils.MockKafkaWriter{}
	source := &testutils.MockSource{Prices: map[string]float64{"BTC": 1}}
	f := fetcher.NewFetcher(zap.NewNop(), mockWriter, source, &testutils.MockClock{}, []string{"BTC", "DOGE"}, "USD", time.Minute)

	if err := f.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if mockWriter.Count() != 1 {
		t.Errorf("Expected 1 message, got %d", mockWriter.Count())
	}
}

func TestFetcher_PollErrors(t *testing.T) {
	source := &testutils.MockSource{Err: errors.New("rate limited")}
	f := fetcher.NewFetcher(zap.NewNop(), &testutils.MockKafkaWriter{}, source, &testutils.MockClock{}, []string{"BTC"}, "USD", time.Minute)
	if err := f.Poll(context.Background()); err == nil {
		t.Error("Expected fetch error")
	}

	failing := &testutils.MockKafkaWriter{ShouldFail: true}
	ok := &testutils.MockSource{Prices: map[string]float64{"BTC": 1}}
	f = fetcher.NewFetcher(zap.NewNop(), failing, ok, &testutils.MockClock{}, []string{"BTC"}, "USD", time.Minute)
	if err := f.Poll(context.Background()); err == nil {
		t.Error("Expected write error")
	}
}

func TestFetcher_RunStopsOnCancel(t *testing.T) {
	mockWriter := &testutils.MockKafkaWriter{}
	source := &testutils.MockSource{Prices: map[string]float64{"BTC": 1}}
	f := fetcher.NewFetcher(zap.NewNop(), mockWriter, source, &testutils.MockClock{}, []string{"BTC"}, "USD", time.Minute)

	// MockClock fires instantly so the loop runs as fast as the CPU allows
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if mockWriter.Count() == 0 {
		t.Error("Expected messages to be written")
	}
}

func TestTopicCreator_Flow(t *testing.T) {
	mockDialer := &testutils.MockKafkaDialer{} // Will auto-create ConnSpy
	tc := fetcher.NewTopicCreator(zap.NewNop(), mockDialer, &testutils.MockClock{})

	tc.Create(context.Background(), []string{"broker:9092"}, "price_observations")

	if mockDialer.ConnSpy == nil {
		t.Fatal("Dialer was never called")
	}
	if len(mockDialer.ConnSpy.CreatedTopics) != 1 || mockDialer.ConnSpy.CreatedTopics[0] != "price_observations" {
		t.Errorf("Unexpected topics %v", mockDialer.ConnSpy.CreatedTopics)
	}
	if len(mockDialer.Dialed) != 2 || mockDialer.Dialed[1] != "localhost:9092" {
		t.Errorf("Expected broker then controller dial, got %v", mockDialer.Dialed)
	}
}

func TestTopicCreator_AllBrokersDown(t *testing.T) {
	mockDialer := &testutils.MockKafkaDialer{FailAll: true}
	tc := fetcher.NewTopicCreator(zap.NewNop(), mockDialer, &testutils.MockClock{})

	tc.Create(context.Background(), []string{"a:9092", "b:9092"}, "t")

	if len(mockDialer.Dialed) != 2 {
		t.Errorf("Expected every broker to be tried, got %v", mockDialer.Dialed)
	}
	if mockDialer.ConnSpy != nil {
		t.Error("No topic should be created")
	}
}
