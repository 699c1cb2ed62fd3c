package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sgwear/storefront/internal/platform/storeerr"
)

func TestWrapErrorClassifies(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind storeerr.Kind
	}{
		{"no rows", pgx.ErrNoRows, storeerr.KindNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, storeerr.KindConflict},
		{"wrapped unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), storeerr.KindConflict},
		{"connection", &pgconn.PgError{Code: "08006"}, storeerr.KindUnavailable},
		{"shutdown", &pgconn.PgError{Code: "57P01"}, storeerr.KindUnavailable},
		{"syntax", &pgconn.PgError{Code: "42601"}, storeerr.KindUnknown},
		{"plain", errors.New("boom"), storeerr.KindUnknown},
	}
	for _, tc := range cases {
		var classified *storeerr.Error
		if !errors.As(WrapError("op", tc.err), &classified) {
			t.Fatalf("%s: expected storeerr.Error", tc.name)
		}
		if classified.Kind != tc.kind {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.kind, classified.Kind)
		}
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	if err := WrapError("op", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline passthrough, got %v", err)
	}
	if WrapError("op", nil) != nil {
		t.Fatal("nil must stay nil")
	}
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	files, err := migrationFiles()
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "001_consent_records.sql" || files[1] != "002_refund_exceptions.sql" {
		t.Fatalf("unexpected migrations %v", files)
	}
}
