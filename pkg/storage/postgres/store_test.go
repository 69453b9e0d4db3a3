package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anypay/prices/pkg/models"
)

var fixedNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := New(db)
	store.now = func() time.Time { return fixedNow }
	return store, mock
}

func priceRows() *sqlmock.Rows {
	return sqlmock.NewRows(priceColumns)
}

func TestStore_Create(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO prices \(id,currency,base_currency,value,source,created_at,updated_at\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7\)`).
		WithArgs(sqlmock.AnyArg(), "BTC", "USD", 64000.5, "coinmarketcap.com", fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	p, err := store.Create(context.Background(), models.PriceCreateRequest{
		Currency: "BTC", BaseCurrency: "USD", Value: 64000.5, Source: "coinmarketcap.com",
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, p.ID)
	assert.Equal(t, fixedNow, p.CreatedAt)
	assert.Equal(t, fixedNow, p.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateError(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO prices`).WillReturnError(errors.New("connection reset"))

	_, err := store.Create(context.Background(), models.PriceCreateRequest{Currency: "BTC", BaseCurrency: "USD", Source: "x"})
	assert.ErrorContains(t, err, "inserting price")
}

func TestStore_Get(t *testing.T) {
	store, mock := newTestStore(t)
	id := uuid.New()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id, currency, base_currency, value, source, created_at, updated_at FROM prices WHERE id = \$1`).
			WithArgs(id).
			WillReturnRows(priceRows().AddRow(id.String(), "BTC", "USD", 64000.5, "coinmarketcap.com", fixedNow, fixedNow))

		p, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, p.ID)
		assert.Equal(t, "BTC", p.Currency)
		assert.InDelta(t, 64000.5, p.Value, 0.0001)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM prices WHERE id = \$1`).
			WithArgs(id).
			WillReturnError(sql.ErrNoRows)

		_, err := store.Get(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_List(t *testing.T) {
	store, mock := newTestStore(t)

	t.Run("filters and paging", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM prices WHERE currency = \$1 AND base_currency = \$2 ORDER BY created_at DESC LIMIT 10 OFFSET 5`).
			WithArgs("BTC", "USD").
			WillReturnRows(priceRows().
				AddRow(uuid.NewString(), "BTC", "USD", 2.0, "a", fixedNow, fixedNow).
				AddRow(uuid.NewString(), "BTC", "USD", 1.0, "b", fixedNow, fixedNow))

		prices, err := store.List(context.Background(), ListFilter{Currency: "BTC", BaseCurrency: "USD", Limit: 10, Offset: 5})
		require.NoError(t, err)
		assert.Len(t, prices, 2)
	})

	t.Run("limit is capped", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM prices ORDER BY created_at DESC LIMIT 1000`).
			WillReturnRows(priceRows())

		prices, err := store.List(context.Background(), ListFilter{Limit: 50000})
		require.NoError(t, err)
		assert.Empty(t, prices)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Update(t *testing.T) {
	store, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE prices SET value = \$1, source = \$2, updated_at = \$3 WHERE id = \$4 RETURNING`).
		WithArgs(1.25, "manual", fixedNow, id).
		WillReturnRows(priceRows().AddRow(id.String(), "EUR", "USD", 1.25, "manual", fixedNow.Add(-time.Hour), fixedNow))

	p, err := store.Update(context.Background(), id, models.PriceUpdateRequest{Value: 1.25, Source: "manual"})
	require.NoError(t, err)
	assert.Equal(t, "manual", p.Source)
	assert.Equal(t, fixedNow, p.UpdatedAt)

	mock.ExpectQuery(`UPDATE prices`).WillReturnError(sql.ErrNoRows)
	_, err = store.Update(context.Background(), id, models.PriceUpdateRequest{Value: 1})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Delete(t *testing.T) {
	store, mock := newTestStore(t)
	id := uuid.New()

	mock.ExpectExec(`DELETE FROM prices WHERE id = \$1`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), id))

	mock.ExpectExec(`DELETE FROM prices WHERE id = \$1`).WithArgs(id).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Delete(context.Background(), id), ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_History(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT created_at, value FROM prices WHERE base_currency = \$1 AND currency = \$2 ORDER BY created_at DESC LIMIT 500`).
		WithArgs("USD", "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "value"}).
			AddRow(fixedNow, 2.0).
			AddRow(fixedNow.Add(-time.Minute), 1.0))

	history, err := store.History(context.Background(), "BTC", "USD", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, fixedNow, history[0].Date)
	assert.InDelta(t, 1.0, history[1].Value, 0.0001)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Sources(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery(`SELECT source, COUNT\(\*\) FROM prices WHERE base_currency = \$1 AND currency = \$2 GROUP BY source`).
		WithArgs("USD", "BTC").
		WillReturnRows(sqlmock.NewRows([]string{"source", "count"}).
			AddRow("coinmarketcap.com", 3).
			AddRow("manual", 1))

	sources, err := store.Sources(context.Background(), "BTC", "USD")
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "coinmarketcap.com", sources[0].Name)
	assert.InDelta(t, 0.75, sources[0].Reliability, 0.0001)
	assert.InDelta(t, 0.25, sources[1].Reliability, 0.0001)
	assert.NoError(t, mock.ExpectationsWereMet())
}
