package repository

import (
	"context"
	"errors"

	"github.com/anypay/prices/pkg/models"
)

// ErrNoSnapshot is returned when no recent price is cached for a pair.
var ErrNoSnapshot = errors.New("no snapshot for pair")

type PriceCache interface {
	SetSnapshot(ctx context.Context, obs models.PriceObservation, payload []byte) error
	GetSnapshot(ctx context.Context, pair string) (models.PriceObservation, error)
	GetSnapshots(ctx context.Context, pairs []string) ([]string, error)
	Close() error
}
