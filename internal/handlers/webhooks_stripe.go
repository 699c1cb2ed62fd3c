package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sgwear/storefront/internal/payments"
	"github.com/sgwear/storefront/internal/platform/httpx"
	"github.com/sgwear/storefront/internal/platform/observability"
	"github.com/sgwear/storefront/internal/services"
)

const maxStripeWebhookBody = 64 * 1024

// StripeEventParser verifies and decodes Stripe webhook payloads.
type StripeEventParser interface {
	Parse(payload []byte, signature string) (payments.WebhookEvent, error)
}

// StripeWebhookHandlers settles card orders from Stripe events.
type StripeWebhookHandlers struct {
	parser StripeEventParser
	orders services.OrderService
}

// NewStripeWebhookHandlers constructs the Stripe webhook endpoint.
func NewStripeWebhookHandlers(parser StripeEventParser, orders services.OrderService) *StripeWebhookHandlers {
	return &StripeWebhookHandlers{parser: parser, orders: orders}
}

// Routes registers the /webhooks endpoints.
func (h *StripeWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *StripeWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)
	if h.parser == nil || h.orders == nil {
		serviceUnavailable(ctx, w, "webhook")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxStripeWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read body", http.StatusBadRequest))
		return
	}
	if len(payload) > maxStripeWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.parser.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("stripe webhook rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	switch event.Type {
	case payments.EventPaymentIntentSucceeded:
		h.settleIntent(w, r, event)
	case payments.EventChargeRefunded:
		logger.Info("stripe charge refunded",
			zap.String("eventId", event.ID),
			zap.String("intentId", event.IntentID),
			zap.Int64("amount", event.Amount))
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "acknowledged"})
	default:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *StripeWebhookHandlers) settleIntent(w http.ResponseWriter, r *http.Request, event payments.WebhookEvent) {
	ctx := r.Context()
	logger := observability.FromContext(ctx).With(zap.String("eventId", event.ID), zap.String("intentId", event.IntentID))

	orderID := strings.TrimSpace(event.Metadata["orderId"])
	if orderID == "" {
		logger.Warn("stripe payment intent without orderId metadata")
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	order, err := h.orders.MarkPaid(ctx, services.MarkPaidCommand{
		OrderID:         orderID,
		PaymentIntentID: event.IntentID,
		PaidAt:          event.OccurredAt,
		ActorID:         "stripe",
	})
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "processed", "orderId": order.ID})
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrOrderConflict), errors.Is(err, services.ErrOrderInvalidInput):
		// Stripe retries non-2xx responses; these outcomes will not change on retry.
		logger.Warn("stripe payment intent not applied", zap.String("orderId", orderID), zap.Error(err))
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		logger.Error("stripe payment intent settlement failed", zap.String("orderId", orderID), zap.Error(err))
		writeServiceError(ctx, w, err)
	}
}
