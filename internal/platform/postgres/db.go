// Package postgres owns the pgx pool, schema migrations and error classification for the
// consent and refund-exception tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sgwear/storefront/internal/platform/config"
	"github.com/sgwear/storefront/internal/platform/storeerr"
)

const (
	sqlStateUniqueViolation = "23505"
	sqlStateCheckViolation  = "23514"
)

// Connect opens a pool sized by cfg and verifies connectivity.
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.MinConns = 1
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// WrapError classifies a pgx error for the repositories layer.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return storeerr.New(op, storeerr.KindNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateUniqueViolation:
			return storeerr.New(op, storeerr.KindConflict, err)
		case sqlStateCheckViolation:
			return storeerr.New(op, storeerr.KindUnknown, err)
		}
		// Class 08 is connection exception, 57P0x is operator intervention (shutdown).
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			return storeerr.New(op, storeerr.KindUnavailable, err)
		}
		return storeerr.New(op, storeerr.KindUnknown, err)
	}
	if pgconn.Timeout(err) || isConnectError(err) {
		return storeerr.New(op, storeerr.KindUnavailable, err)
	}
	return storeerr.New(op, storeerr.KindUnknown, err)
}

func isConnectError(err error) bool {
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
