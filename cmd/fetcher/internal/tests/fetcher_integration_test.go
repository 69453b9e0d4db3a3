package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/anypay/prices/cmd/fetcher/internal/fetcher"
	"github.com/anypay/prices/cmd/fetcher/internal/testutils"
	"github.com/anypay/prices/pkg/models"
)

func TestFetcher_ComponentWiring(t *testing.T) {
	// Real CoinMarketCap client against a fake API, fake Kafka output
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":{"error_code":0},"data":{"BTC":[{"quote":{"USD":{"price":42}}}]}}`))
	}))
	defer srv.Close()

	cmc, err := fetcher.NewCoinMarketCap(srv.URL, "key", "coinmarketcap.com", srv.Client())
	if err != nil {
		t.Fatal(err)
	}

	mockWriter := &testutils.MockKafkaWriter{}
	f := fetcher.NewFetcher(zap.NewNop(), mockWriter, cmc, &testutils.MockClock{CurrentTime: time.Now()}, []string{"BTC"}, "USD", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond) // Let it poll a few times
		cancel()
	}()
	f.Run(ctx)

	mockWriter.Mu.Lock()
	defer mockWriter.Mu.Unlock()

	if len(mockWriter.Messages) == 0 {
		t.Fatal("Fetcher failed to produce any messages")
	}

	var last int64
	for _, msg := range mockWriter.Messages {
		var obs models.PriceObservation
		if err := json.Unmarshal(msg.Value, &obs); err != nil {
			t.Fatalf("Invalid JSON: %v", err)
		}
		if string(msg.Key) != "BTC-USD" || obs.Value != 42 || obs.Source != "coinmarketcap.com" {
			t.Errorf("Unexpected message key=%s obs=%+v", msg.Key, obs)
		}
		if obs.SeqID != last+1 {
			t.Errorf("SeqID not monotonic: %d after %d", obs.SeqID, last)
		}
		last = obs.SeqID
	}
}
