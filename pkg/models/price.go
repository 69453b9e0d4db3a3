package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PriceObservation is a single quote taken from an upstream source
type PriceObservation struct {
	Currency     string  `json:"currency"`
	BaseCurrency string  `json:"base_currency"`
	Value        float64 `json:"value"`
	Source       string  `json:"source"`
	Timestamp    int64   `json:"timestamp"` // unix micro
	SeqID        int64   `json:"seq_id"`    // monotonic counter per pair
}

// Pair returns the "<CURRENCY>-<BASE>" key used for sharding and caching.
func (o PriceObservation) Pair() string {
	return FormatPair(o.Currency, o.BaseCurrency)
}

// Price is a stored observation.
type Price struct {
	ID           uuid.UUID `json:"id"`
	Currency     string    `json:"currency"`
	BaseCurrency string    `json:"base_currency"`
	Value        float64   `json:"value"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type PriceCreateRequest struct {
	Currency     string  `json:"currency"`
	BaseCurrency string  `json:"base_currency"`
	Value        float64 `json:"value"`
	Source       string  `json:"source"`
}

func (r PriceCreateRequest) Validate() error {
	if r.Currency == "" || r.BaseCurrency == "" {
		return fmt.Errorf("currency and base_currency are required")
	}
	if r.Source == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}

type PriceUpdateRequest struct {
	Value  float64 `json:"value"`
	Source string  `json:"source"`
}

type PriceHistory struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

type PriceSource struct {
	Name        string  `json:"name"`
	Reliability float64 `json:"reliability"`
}

func FormatPair(currency, base string) string {
	return strings.ToUpper(currency) + "-" + strings.ToUpper(base)
}

// ParsePair splits "BTC-USD" into its currency and base currency.
func ParsePair(pair string) (string, string, error) {
	parts := strings.Split(pair, "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid currency pair %q", pair)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}
