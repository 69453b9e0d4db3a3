// Package postgres stores price observations in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/anypay/prices/pkg/models"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 1000
	defaultHistoryLimit = 500
)

// ErrNotFound is returned when no price matches the requested id.
var ErrNotFound = errors.New("price not found")

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var priceColumns = []string{
	"id", "currency", "base_currency", "value", "source", "created_at", "updated_at",
}

type ListFilter struct {
	Currency     string
	BaseCurrency string
	Source       string
	Limit        int
	Offset       int
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Create(ctx context.Context, req models.PriceCreateRequest) (models.Price, error) {
	now := s.now()
	p := models.Price{
		ID:           uuid.New(),
		Currency:     req.Currency,
		BaseCurrency: req.BaseCurrency,
		Value:        req.Value,
		Source:       req.Source,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	query, args, err := psq.Insert("prices").
		Columns(priceColumns...).
		Values(p.ID, p.Currency, p.BaseCurrency, p.Value, p.Source, p.CreatedAt, p.UpdatedAt).
		ToSql()
	if err != nil {
		return models.Price{}, fmt.Errorf("building insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return models.Price{}, fmt.Errorf("inserting price: %w", err)
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (models.Price, error) {
	query, args, err := psq.Select(priceColumns...).From("prices").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.Price{}, fmt.Errorf("building select: %w", err)
	}
	return s.scanOne(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) List(ctx context.Context, filter ListFilter) ([]models.Price, error) {
	qb := psq.Select(priceColumns...).From("prices")
	if filter.Currency != "" {
		qb = qb.Where(sq.Eq{"currency": filter.Currency})
	}
	if filter.BaseCurrency != "" {
		qb = qb.Where(sq.Eq{"base_currency": filter.BaseCurrency})
	}
	if filter.Source != "" {
		qb = qb.Where(sq.Eq{"source": filter.Source})
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	qb = qb.OrderBy("created_at DESC").Limit(uint64(limit))
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing prices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	prices := make([]models.Price, 0, limit)
	for rows.Next() {
		p, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating price rows: %w", err)
	}
	return prices, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, req models.PriceUpdateRequest) (models.Price, error) {
	query, args, err := psq.Update("prices").
		Set("value", req.Value).
		Set("source", req.Source).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id}).
		Suffix("RETURNING id, currency, base_currency, value, source, created_at, updated_at").
		ToSql()
	if err != nil {
		return models.Price{}, fmt.Errorf("building update: %w", err)
	}
	return s.scanOne(s.db.QueryRowContext(ctx, query, args...))
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	query, args, err := psq.Delete("prices").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting price: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting price: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// History returns the most recent values for a pair, newest first.
func (s *Store) History(ctx context.Context, currency, base string, limit int) ([]models.PriceHistory, error) {
	if limit <= 0 || limit > defaultHistoryLimit {
		limit = defaultHistoryLimit
	}

	query, args, err := psq.Select("created_at", "value").
		From("prices").
		Where(sq.Eq{"currency": currency, "base_currency": base}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building history query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []models.PriceHistory
	for rows.Next() {
		var h models.PriceHistory
		if err := rows.Scan(&h.Date, &h.Value); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return history, nil
}

// Sources lists who reported a pair. Reliability is the share of the pair's
// observations that came from the source.
func (s *Store) Sources(ctx context.Context, currency, base string) ([]models.PriceSource, error) {
	query, args, err := psq.Select("source", "COUNT(*)").
		From("prices").
		Where(sq.Eq{"currency": currency, "base_currency": base}).
		GroupBy("source").
		OrderBy("COUNT(*) DESC", "source").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building sources query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type sourceCount struct {
		name  string
		count int64
	}
	var counts []sourceCount
	var total int64
	for rows.Next() {
		var sc sourceCount
		if err := rows.Scan(&sc.name, &sc.count); err != nil {
			return nil, fmt.Errorf("scanning source row: %w", err)
		}
		total += sc.count
		counts = append(counts, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating source rows: %w", err)
	}

	sources := make([]models.PriceSource, 0, len(counts))
	for _, sc := range counts {
		sources = append(sources, models.PriceSource{
			Name:        sc.name,
			Reliability: float64(sc.count) / float64(total),
		})
	}
	return sources, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (*Store) scanOne(row scanner) (models.Price, error) {
	var p models.Price
	err := row.Scan(&p.ID, &p.Currency, &p.BaseCurrency, &p.Value, &p.Source, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Price{}, ErrNotFound
	}
	if err != nil {
		return models.Price{}, fmt.Errorf("scanning price: %w", err)
	}
	return p, nil
}
