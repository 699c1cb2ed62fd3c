// Package postgres implements the consent and refund-exception repositories on pgx.
package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domain "github.com/sgwear/storefront/internal/domain"
	ppostgres "github.com/sgwear/storefront/internal/platform/postgres"
)

// DB is the subset of pgxpool.Pool used by the repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const consentColumns = `id::text, order_id, COALESCE(user_id, ''), email, policy_text, accepted_at,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at`

// ConsentRepository implements repositories.ConsentRepository.
type ConsentRepository struct {
	db  DB
	now func() time.Time
}

// NewConsentRepository constructs the consent repository.
func NewConsentRepository(db DB) (*ConsentRepository, error) {
	if db == nil {
		return nil, errors.New("consent repository requires database")
	}
	return &ConsentRepository{db: db, now: time.Now}, nil
}

// Insert stores the record. A second record for the same order yields a conflict error.
func (r *ConsentRepository) Insert(ctx context.Context, record domain.ConsentRecord) (domain.ConsentRecord, error) {
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now().UTC()
	}
	row := r.db.QueryRow(ctx, `
		INSERT INTO consent_records (id, order_id, user_id, email, policy_text, accepted_at, ip_address, user_agent, created_at)
		VALUES ($1::uuid, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
		RETURNING `+consentColumns,
		record.ID, record.OrderID, record.UserID, record.Email, record.PolicyText,
		record.AcceptedAt.UTC(), record.IPAddress, record.UserAgent, record.CreatedAt,
	)
	stored, err := scanConsent(row)
	if err != nil {
		return domain.ConsentRecord{}, ppostgres.WrapError("consent_records.insert", err)
	}
	return stored, nil
}

// GetByOrder returns the consent recorded for orderID.
func (r *ConsentRepository) GetByOrder(ctx context.Context, orderID string) (domain.ConsentRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+consentColumns+` FROM consent_records WHERE order_id = $1`, strings.TrimSpace(orderID))
	record, err := scanConsent(row)
	if err != nil {
		return domain.ConsentRecord{}, ppostgres.WrapError("consent_records.get_by_order", err)
	}
	return record, nil
}

// ListCreatedBetween returns records with from <= created_at < to, oldest first.
func (r *ConsentRepository) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.ConsentRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+consentColumns+`
		FROM consent_records
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, from.UTC(), to.UTC())
	if err != nil {
		return nil, ppostgres.WrapError("consent_records.list", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ConsentRecord, error) {
		return scanConsent(row)
	})
	if err != nil {
		return nil, ppostgres.WrapError("consent_records.list", err)
	}
	return records, nil
}

// Ping checks connectivity for readiness probes.
func (r *ConsentRepository) Ping(ctx context.Context) error {
	return ppostgres.WrapError("consent_records.ping", r.db.Ping(ctx))
}

func scanConsent(row pgx.Row) (domain.ConsentRecord, error) {
	var record domain.ConsentRecord
	err := row.Scan(
		&record.ID,
		&record.OrderID,
		&record.UserID,
		&record.Email,
		&record.PolicyText,
		&record.AcceptedAt,
		&record.IPAddress,
		&record.UserAgent,
		&record.CreatedAt,
	)
	if err != nil {
		return domain.ConsentRecord{}, err
	}
	record.AcceptedAt = record.AcceptedAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}
