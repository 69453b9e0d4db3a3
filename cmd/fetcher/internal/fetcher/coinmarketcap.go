package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const quotesPath = "/v2/cryptocurrency/quotes/latest"

// ErrMissingAPIKey is returned when the client is built without a key.
var ErrMissingAPIKey = errors.New("coinmarketcap api key is not set")

type cmcStatus struct {
	ErrorCode    int     `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type cmcQuote struct {
	Price float64 `json:"price"`
}

type cmcCurrency struct {
	Symbol string              `json:"symbol"`
	Quote  map[string]cmcQuote `json:"quote"`
}

type cmcResponse struct {
	Status cmcStatus                `json:"status"`
	Data   map[string][]cmcCurrency `json:"data"`
}

// CoinMarketCap queries the pro API latest quotes endpoint.
type CoinMarketCap struct {
	baseURL string
	apiKey  string
	source  string
	client  *http.Client
}

func NewCoinMarketCap(baseURL, apiKey, source string, client *http.Client) (*CoinMarketCap, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CoinMarketCap{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		source:  source,
		client:  client,
	}, nil
}

func (c *CoinMarketCap) Name() string { return c.source }

func (c *CoinMarketCap) Fetch(ctx context.Context, symbols []string, base string) (map[string]float64, error) {
	q := url.Values{}
	q.Set("symbol", strings.Join(symbols, ","))
	q.Set("convert", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+quotesPath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building quote request: %w", err)
	}
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting quotes: %w", err)
	}
	defer resp.Body.Close()

	var body cmcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding quotes (status %d): %w", resp.StatusCode, err)
	}
	if body.Status.ErrorCode != 0 {
		msg := ""
		if body.Status.ErrorMessage != nil {
			msg = *body.Status.ErrorMessage
		}
		return nil, fmt.Errorf("coinmarketcap error %d: %s", body.Status.ErrorCode, msg)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coinmarketcap returned status %d", resp.StatusCode)
	}

	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		entries := body.Data[sym]
		if len(entries) == 0 {
			return nil, fmt.Errorf("currency %s not found", sym)
		}
		quote, ok := entries[0].Quote[base]
		if !ok {
			return nil, fmt.Errorf("%s quote not found for %s", base, sym)
		}
		prices[sym] = quote.Price
	}
	return prices, nil
}
