package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sgwear/storefront/internal/platform/auth"
	"github.com/sgwear/storefront/internal/platform/httpx"
	"github.com/sgwear/storefront/internal/repositories"
	"github.com/sgwear/storefront/internal/services"
)

type errorMapping struct {
	target error
	code   string
	status int
	// hide replaces the service message with a generic one.
	hide bool
}

var serviceErrorMappings = []errorMapping{
	{target: services.ErrOrderInsufficientStock, code: "insufficient_stock", status: http.StatusConflict},
	{target: services.ErrRefundBlocked, code: "refund_blocked", status: http.StatusConflict},
	{target: services.ErrRefundPaymentFailed, code: "payment_failed", status: http.StatusBadGateway},

	{target: services.ErrQuoteInvalidInput, code: "invalid_request", status: http.StatusBadRequest},
	{target: services.ErrCatalogInvalidInput, code: "invalid_request", status: http.StatusBadRequest},
	{target: services.ErrOrderInvalidInput, code: "invalid_request", status: http.StatusBadRequest},
	{target: services.ErrRefundGateInvalidInput, code: "invalid_request", status: http.StatusBadRequest},
	{target: services.ErrRefundInvalidInput, code: "invalid_request", status: http.StatusBadRequest},
	{target: services.ErrConsentExportInvalidInput, code: "invalid_request", status: http.StatusBadRequest},

	{target: services.ErrCatalogNotFound, code: "product_not_found", status: http.StatusNotFound},
	{target: services.ErrOrderNotFound, code: "order_not_found", status: http.StatusNotFound},
	{target: services.ErrRefundNotFound, code: "order_not_found", status: http.StatusNotFound},
	{target: services.ErrRefundGateNotFound, code: "not_found", status: http.StatusNotFound},

	{target: services.ErrOrderConflict, code: "order_conflict", status: http.StatusConflict},
	{target: services.ErrRefundConflict, code: "refund_conflict", status: http.StatusConflict},
	{target: services.ErrRefundGateConflict, code: "conflict", status: http.StatusConflict},

	{target: services.ErrQuoteUnavailable, code: "service_unavailable", status: http.StatusServiceUnavailable, hide: true},
	{target: services.ErrCatalogUnavailable, code: "service_unavailable", status: http.StatusServiceUnavailable, hide: true},
	{target: services.ErrOrderUnavailable, code: "service_unavailable", status: http.StatusServiceUnavailable, hide: true},
	{target: services.ErrRefundUnavailable, code: "service_unavailable", status: http.StatusServiceUnavailable, hide: true},
	{target: services.ErrRefundGateUnavailable, code: "service_unavailable", status: http.StatusServiceUnavailable, hide: true},
	{target: services.ErrConsentExportUnavailable, code: "service_unavailable", status: http.StatusServiceUnavailable, hide: true},
}

// writeServiceError maps service sentinels onto the JSON error envelope. Order matters: the
// first match wins, so specific sentinels that wrap broader ones are listed first.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	for _, m := range serviceErrorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		message := err.Error()
		if m.hide {
			message = "service temporarily unavailable, retry later"
		}
		apiErr := httpx.NewError(m.code, message, m.status)
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			apiErr = apiErr.WithDetails(map[string]any{
				"productId": stockErr.ProductID,
				"size":      stockErr.Size,
				"requested": stockErr.Requested,
				"available": stockErr.Available,
				"reason":    string(stockErr.Code),
			})
		}
		httpx.WriteError(ctx, w, apiErr)
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError))
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func serviceUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(name+"_unavailable", name+" service unavailable", http.StatusServiceUnavailable))
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 timestamp")
}

func parseMoneyParam(name, value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("%s is required", name)
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal amount", name)
	}
	return amount, nil
}

func formatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) *string {
	if ts == nil || ts.IsZero() {
		return nil
	}
	value := formatTime(*ts)
	return &value
}
