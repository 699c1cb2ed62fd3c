package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/platform/exports"
	"github.com/sgwear/storefront/internal/repositories"
)

const (
	consentExportPrefix   = "consents"
	maxConsentExportRange = 366 * 24 * time.Hour
)

var (
	// ErrConsentExportInvalidInput marks a malformed export window.
	ErrConsentExportInvalidInput = errors.New("consent export: invalid input")
	// ErrConsentExportUnavailable marks a storage or bucket failure.
	ErrConsentExportUnavailable = errors.New("consent export: unavailable")
)

// ConsentExportServiceDeps bundles collaborators for consent exports.
type ConsentExportServiceDeps struct {
	Consents    repositories.ConsentRepository
	Writer      exports.ObjectWriter
	Bucket      string
	Events      events.Publisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      Logger
}

type consentExportService struct {
	consents repositories.ConsentRepository
	writer   exports.ObjectWriter
	bucket   string
	events   events.Publisher
	clock    func() time.Time
	newID    func() string
	logger   Logger
}

var _ ConsentExportService = (*consentExportService)(nil)

// consentExportRow is one JSON line of an export.
type consentExportRow struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id,omitempty"`
	Email      string    `json:"email,omitempty"`
	PolicyText string    `json:"policy_text"`
	AcceptedAt time.Time `json:"accepted_at"`
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewConsentExportService constructs the export service.
func NewConsentExportService(deps ConsentExportServiceDeps) (ConsentExportService, error) {
	if deps.Consents == nil {
		return nil, errors.New("consent export: consent repository is required")
	}
	if deps.Writer == nil {
		return nil, errors.New("consent export: object writer is required")
	}
	if strings.TrimSpace(deps.Bucket) == "" {
		return nil, errors.New("consent export: bucket is required")
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &consentExportService{
		consents: deps.Consents,
		writer:   deps.Writer,
		bucket:   strings.TrimSpace(deps.Bucket),
		events:   publisher,
		clock:    func() time.Time { return clock().UTC() },
		newID:    idGen,
		logger:   logger,
	}, nil
}

func (s *consentExportService) Export(ctx context.Context, cmd ConsentExportCommand) (ConsentExportResult, error) {
	from := cmd.From.UTC()
	to := cmd.To.UTC()
	switch {
	case cmd.From.IsZero() || cmd.To.IsZero():
		return ConsentExportResult{}, fmt.Errorf("%w: from and to are required", ErrConsentExportInvalidInput)
	case !to.After(from):
		return ConsentExportResult{}, fmt.Errorf("%w: to must be after from", ErrConsentExportInvalidInput)
	case to.Sub(from) > maxConsentExportRange:
		return ConsentExportResult{}, fmt.Errorf("%w: window exceeds %s", ErrConsentExportInvalidInput, maxConsentExportRange)
	}

	records, err := s.consents.ListCreatedBetween(ctx, from, to)
	if err != nil {
		s.logger(ctx, "consent_export.query.failed", map[string]any{"error": err})
		return ConsentExportResult{}, fmt.Errorf("%w: list consents: %v", ErrConsentExportUnavailable, err)
	}
	rows := make([]consentExportRow, 0, len(records))
	for _, record := range records {
		rows = append(rows, newConsentExportRow(record))
	}

	now := s.clock()
	exportID := s.newID()
	object, err := exports.ObjectPath(consentExportPrefix, now, exportID)
	if err != nil {
		return ConsentExportResult{}, fmt.Errorf("%w: %v", ErrConsentExportInvalidInput, err)
	}
	written, err := exports.WriteJSONL(ctx, s.writer, s.bucket, object, rows)
	if err != nil {
		s.logger(ctx, "consent_export.write.failed", map[string]any{"object": object, "error": err})
		return ConsentExportResult{}, fmt.Errorf("%w: %v", ErrConsentExportUnavailable, err)
	}

	result := ConsentExportResult{
		ExportID: exportID,
		URI:      written.URI(),
		Bucket:   written.Bucket,
		Object:   written.Object,
		Rows:     written.Rows,
		Bytes:    int64(written.Bytes),
		From:     from,
		To:       to,
	}
	s.logger(ctx, "consent_export.completed", map[string]any{
		"exportId":    exportID,
		"uri":         result.URI,
		"rows":        result.Rows,
		"requestedBy": cmd.RequestedBy,
	})
	publishEvent(ctx, s.events, s.logger, events.TypeConsentExportCompleted, exportID, map[string]any{
		"exportId": exportID,
		"uri":      result.URI,
		"rows":     result.Rows,
		"from":     from,
		"to":       to,
	}, now)
	return result, nil
}

func newConsentExportRow(record domain.ConsentRecord) consentExportRow {
	return consentExportRow{
		ID:         record.ID,
		OrderID:    record.OrderID,
		UserID:     record.UserID,
		Email:      record.Email,
		PolicyText: record.PolicyText,
		AcceptedAt: record.AcceptedAt.UTC(),
		IPAddress:  record.IPAddress,
		UserAgent:  record.UserAgent,
		CreatedAt:  record.CreatedAt.UTC(),
	}
}
