package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
	ppostgres "github.com/sgwear/storefront/internal/platform/postgres"
)

const exceptionColumns = `id::text, order_id, admin_id, reason, refund_amount::text, processed, created_at, processed_at`

// RefundExceptionRepository implements repositories.RefundExceptionRepository.
// Rows are never deleted; only processed and processed_at change.
type RefundExceptionRepository struct {
	db  DB
	now func() time.Time
}

// NewRefundExceptionRepository constructs the refund exception repository.
func NewRefundExceptionRepository(db DB) (*RefundExceptionRepository, error) {
	if db == nil {
		return nil, errors.New("refund exception repository requires database")
	}
	return &RefundExceptionRepository{db: db, now: time.Now}, nil
}

// Insert stores a new unprocessed exception.
func (r *RefundExceptionRepository) Insert(ctx context.Context, exception domain.RefundException) (domain.RefundException, error) {
	if strings.TrimSpace(exception.ID) == "" {
		exception.ID = uuid.NewString()
	}
	if exception.CreatedAt.IsZero() {
		exception.CreatedAt = r.now().UTC()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO refund_exceptions (id, order_id, admin_id, reason, refund_amount, processed, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5::numeric, false, $6)
		RETURNING `+exceptionColumns,
		exception.ID, exception.OrderID, exception.AdminID, exception.Reason,
		domain.RoundMoney(exception.RefundAmount).StringFixed(2), exception.CreatedAt.UTC(),
	)
	stored, err := scanException(row)
	if err != nil {
		return domain.RefundException{}, ppostgres.WrapError("refund_exceptions.insert", err)
	}
	return stored, nil
}

// Get loads an exception by ID.
func (r *RefundExceptionRepository) Get(ctx context.Context, exceptionID string) (domain.RefundException, error) {
	id, err := parseID(exceptionID)
	if err != nil {
		return domain.RefundException{}, ppostgres.WrapError("refund_exceptions.get", err)
	}
	row := r.db.QueryRow(ctx, `SELECT `+exceptionColumns+` FROM refund_exceptions WHERE id = $1::uuid`, id)
	exception, err := scanException(row)
	if err != nil {
		return domain.RefundException{}, ppostgres.WrapError("refund_exceptions.get", err)
	}
	return exception, nil
}

// ListByOrder returns every exception for the order, newest first.
func (r *RefundExceptionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.RefundException, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+exceptionColumns+`
		FROM refund_exceptions
		WHERE order_id = $1
		ORDER BY created_at DESC, id`, strings.TrimSpace(orderID))
	if err != nil {
		return nil, ppostgres.WrapError("refund_exceptions.list_by_order", err)
	}
	exceptions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RefundException, error) {
		return scanException(row)
	})
	if err != nil {
		return nil, ppostgres.WrapError("refund_exceptions.list_by_order", err)
	}
	return exceptions, nil
}

// MarkProcessed sets processed=true once. When the row was already processed it is returned
// unchanged with alreadyProcessed=true.
func (r *RefundExceptionRepository) MarkProcessed(ctx context.Context, exceptionID string, at time.Time) (domain.RefundException, bool, error) {
	id, err := parseID(exceptionID)
	if err != nil {
		return domain.RefundException{}, false, ppostgres.WrapError("refund_exceptions.mark_processed", err)
	}
	if at.IsZero() {
		at = r.now()
	}
	row := r.db.QueryRow(ctx, `
		UPDATE refund_exceptions
		SET processed = true, processed_at = $2
		WHERE id = $1::uuid AND processed = false
		RETURNING `+exceptionColumns, id, at.UTC())
	exception, err := scanException(row)
	if err == nil {
		return exception, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.RefundException{}, false, ppostgres.WrapError("refund_exceptions.mark_processed", err)
	}

	// No row updated: either missing or already processed.
	existing, err := r.Get(ctx, id)
	if err != nil {
		return domain.RefundException{}, false, err
	}
	return existing, true, nil
}

// Reopen clears processed on an exception whose refund never reached the payment provider.
// Only processed rows match; anything else reports not found.
func (r *RefundExceptionRepository) Reopen(ctx context.Context, exceptionID string) (domain.RefundException, error) {
	id, err := parseID(exceptionID)
	if err != nil {
		return domain.RefundException{}, ppostgres.WrapError("refund_exceptions.reopen", err)
	}
	row := r.db.QueryRow(ctx, `
		UPDATE refund_exceptions
		SET processed = false, processed_at = NULL
		WHERE id = $1::uuid AND processed = true
		RETURNING `+exceptionColumns, id)
	exception, err := scanException(row)
	if err != nil {
		return domain.RefundException{}, ppostgres.WrapError("refund_exceptions.reopen", err)
	}
	return exception, nil
}

func parseID(raw string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		// Treat malformed ids as missing rows rather than SQL errors.
		return "", fmt.Errorf("invalid exception id %q: %w", raw, pgx.ErrNoRows)
	}
	return id.String(), nil
}

func scanException(row pgx.Row) (domain.RefundException, error) {
	var (
		exception   domain.RefundException
		amount      string
		processedAt *time.Time
	)
	err := row.Scan(
		&exception.ID,
		&exception.OrderID,
		&exception.AdminID,
		&exception.Reason,
		&amount,
		&exception.Processed,
		&exception.CreatedAt,
		&processedAt,
	)
	if err != nil {
		return domain.RefundException{}, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.RefundException{}, fmt.Errorf("parse refund amount %q: %w", amount, err)
	}
	exception.RefundAmount = parsed
	exception.CreatedAt = exception.CreatedAt.UTC()
	if processedAt != nil {
		utc := processedAt.UTC()
		exception.ProcessedAt = &utc
	}
	return exception, nil
}
