package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgwear/storefront/internal/repositories"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *string:
			*target = r.values[i].(string)
		case *bool:
			*target = r.values[i].(bool)
		case *time.Time:
			*target = r.values[i].(time.Time)
		case **time.Time:
			*target, _ = r.values[i].(*time.Time)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}

type fakeDB struct {
	rows    []pgx.Row
	queries []string
	pingErr error
}

func (db *fakeDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("not implemented")
}

func (db *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	db.queries = append(db.queries, sql)
	if len(db.rows) == 0 {
		return fakeRow{err: errors.New("unexpected query")}
	}
	row := db.rows[0]
	db.rows = db.rows[1:]
	return row
}

func (db *fakeDB) Ping(context.Context) error { return db.pingErr }

const exceptionID = "8d4f6a52-3c1e-4f0e-9b7a-2a5e0c6d1f11"

func exceptionRow(processed bool, processedAt *time.Time) fakeRow {
	return fakeRow{values: []any{
		exceptionID, "order-1", "admin-1", "damaged in transit", "45.00", processed,
		time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC), processedAt,
	}}
}

func TestMarkProcessedFirstCall(t *testing.T) {
	at := time.Date(2026, time.June, 2, 10, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: []pgx.Row{exceptionRow(true, &at)}}
	repo, err := NewRefundExceptionRepository(db)
	require.NoError(t, err)

	got, already, err := repo.MarkProcessed(context.Background(), exceptionID, at)
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, got.Processed)
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, got.ProcessedAt.Equal(at))
	assert.True(t, got.RefundAmount.Equal(decimal.RequireFromString("45")))
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "processed = false")
}

func TestMarkProcessedAlreadyProcessed(t *testing.T) {
	at := time.Date(2026, time.June, 2, 10, 0, 0, 0, time.UTC)
	db := &fakeDB{rows: []pgx.Row{fakeRow{err: pgx.ErrNoRows}, exceptionRow(true, &at)}}
	repo, err := NewRefundExceptionRepository(db)
	require.NoError(t, err)

	got, already, err := repo.MarkProcessed(context.Background(), exceptionID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, already)
	assert.True(t, got.ProcessedAt.Equal(at), "processed_at must not move on the second call")
	require.Len(t, db.queries, 2)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(db.queries[1]), "SELECT"))
}

func TestMarkProcessedMissing(t *testing.T) {
	db := &fakeDB{rows: []pgx.Row{fakeRow{err: pgx.ErrNoRows}, fakeRow{err: pgx.ErrNoRows}}}
	repo, err := NewRefundExceptionRepository(db)
	require.NoError(t, err)

	_, _, err = repo.MarkProcessed(context.Background(), exceptionID, time.Now())
	assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
}

func TestReopenClearsProcessed(t *testing.T) {
	db := &fakeDB{rows: []pgx.Row{exceptionRow(false, nil)}}
	repo, err := NewRefundExceptionRepository(db)
	require.NoError(t, err)

	got, err := repo.Reopen(context.Background(), exceptionID)
	require.NoError(t, err)
	assert.False(t, got.Processed)
	assert.Nil(t, got.ProcessedAt)
	require.Len(t, db.queries, 1)
	assert.Contains(t, db.queries[0], "processed = true")
}

func TestReopenUnprocessedIsNotFound(t *testing.T) {
	db := &fakeDB{rows: []pgx.Row{fakeRow{err: pgx.ErrNoRows}}}
	repo, err := NewRefundExceptionRepository(db)
	require.NoError(t, err)

	_, err = repo.Reopen(context.Background(), exceptionID)
	assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
}

func TestGetRejectsMalformedID(t *testing.T) {
	db := &fakeDB{}
	repo, err := NewRefundExceptionRepository(db)
	require.NoError(t, err)

	_, err = repo.Get(context.Background(), "not-a-uuid")
	assert.True(t, repositories.IsNotFound(err))
	assert.Empty(t, db.queries)
}

func TestConsentErrorsAreClassified(t *testing.T) {
	db := &fakeDB{rows: []pgx.Row{fakeRow{err: &pgconn.PgError{Code: "23505"}}}}
	consents, err := NewConsentRepository(db)
	require.NoError(t, err)

	_, err = consents.GetByOrder(context.Background(), "order-1")
	assert.True(t, repositories.IsConflict(err))

	db.pingErr = &pgconn.PgError{Code: "08006"}
	assert.True(t, repositories.IsUnavailable(consents.Ping(context.Background())))
}
