package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/auth"
	"github.com/sgwear/storefront/internal/platform/httpx"
	"github.com/sgwear/storefront/internal/services"
)

// AdminOrderHandlers serves staff order entry, payment settlement and the refund workflow.
type AdminOrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	gate    services.RefundGate
	refunds services.RefundService
}

// NewAdminOrderHandlers constructs admin order handlers.
func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService, gate services.RefundGate, refunds services.RefundService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders, gate: gate, refunds: refunds}
}

// Routes registers the /admin endpoints. Staff may enter and settle orders; refunds are admin only.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(staff chi.Router) {
		if h.authn != nil {
			staff.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
		}
		staff.Post("/orders", h.createManualOrder)
		staff.Post("/orders/{orderID}:mark-paid", h.markPaid)
	})
	r.Group(func(admin chi.Router) {
		if h.authn != nil {
			admin.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		}
		admin.Get("/orders/{orderID}/refund-eligibility", h.refundEligibility)
		admin.Get("/orders/{orderID}/refund-exceptions", h.listExceptions)
		admin.Post("/orders/{orderID}/refund-exceptions", h.createException)
		admin.Post("/orders/{orderID}:refund", h.refund)
	})
}

type manualOrderRequest struct {
	Items         []cartItemRequest `json:"items"`
	PaymentMethod string            `json:"paymentMethod"`
	UserID        string            `json:"userId"`
	Email         string            `json:"email"`
	Notes         string            `json:"notes"`
	MarkPaid      bool              `json:"markPaid"`
}

type markPaidRequest struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

type refundExceptionRequest struct {
	Reason string `json:"reason"`
	Amount string `json:"amount"`
}

type refundRequest struct {
	Amount *string `json:"amount"`
	Reason string  `json:"reason"`
}

func (h *AdminOrderHandlers) createManualOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req manualOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}

	cmd := services.PlaceOrderCommand{
		UserID:        strings.TrimSpace(req.UserID),
		Items:         toCartItems(req.Items),
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		Type:          domain.OrderTypeManual,
		MarkPaid:      req.MarkPaid,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedBy:     identity.UID,
	}
	if cmd.UserID != "" {
		cmd.Email = req.Email
	} else {
		cmd.GuestEmail = req.Email
	}

	placed, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"order": buildOrderPayload(placed.Order)})
}

func (h *AdminOrderHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req markPaidRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteBadRequest(ctx, w, err)
			return
		}
	}
	order, err := h.orders.MarkPaid(ctx, services.MarkPaidCommand{
		OrderID:         strings.TrimSpace(chi.URLParam(r, "orderID")),
		PaymentIntentID: strings.TrimSpace(req.PaymentIntentID),
		ActorID:         identity.UID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"order": buildOrderPayload(order)})
}

func (h *AdminOrderHandlers) refundEligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gate == nil {
		serviceUnavailable(ctx, w, "refund")
		return
	}
	decision, err := h.gate.Evaluate(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"decision": buildRefundDecisionPayload(decision)})
}

func (h *AdminOrderHandlers) listExceptions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gate == nil {
		serviceUnavailable(ctx, w, "refund")
		return
	}
	exceptions, err := h.gate.ListExceptions(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]refundExceptionPayload, 0, len(exceptions))
	for _, ex := range exceptions {
		items = append(items, buildRefundExceptionPayload(ex))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *AdminOrderHandlers) createException(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gate == nil {
		serviceUnavailable(ctx, w, "refund")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req refundExceptionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}
	amount, err := parseMoneyParam("amount", req.Amount)
	if err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}
	ex, err := h.gate.CreateException(ctx, services.ExceptionInput{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		AdminID: identity.UID,
		Reason:  req.Reason,
		Amount:  amount,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, map[string]any{"exception": buildRefundExceptionPayload(ex)})
}

func (h *AdminOrderHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		serviceUnavailable(ctx, w, "refund")
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req refundRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteBadRequest(ctx, w, err)
			return
		}
	}
	cmd := services.RefundCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		AdminID: identity.UID,
		Reason:  req.Reason,
	}
	if req.Amount != nil {
		amount, err := parseMoneyParam("amount", *req.Amount)
		if err != nil {
			httpx.WriteBadRequest(ctx, w, err)
			return
		}
		cmd.Amount = &amount
	}

	outcome, err := h.refunds.Refund(ctx, cmd)
	if err != nil {
		if outcome.Decision.Reason != "" {
			writeRefundError(ctx, w, err, outcome.Decision)
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"order":    buildOrderPayload(outcome.Order),
		"decision": buildRefundDecisionPayload(outcome.Decision),
		"provider": outcome.Provider,
		"refundId": outcome.RefundID,
		"amount":   formatMoney(outcome.Amount),
	})
}

// writeRefundError attaches the gate decision to blocked and unavailable refund errors.
func writeRefundError(ctx context.Context, w http.ResponseWriter, err error, decision domain.RefundDecision) {
	var apiErr httpx.Error
	switch {
	case errors.Is(err, services.ErrRefundBlocked):
		apiErr = httpx.NewError("refund_blocked", decision.Reason, http.StatusConflict)
	case errors.Is(err, services.ErrRefundUnavailable):
		apiErr = httpx.NewError("service_unavailable", decision.Reason, http.StatusServiceUnavailable)
	default:
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteError(ctx, w, apiErr.WithDetails(map[string]any{"decision": buildRefundDecisionPayload(decision)}))
}
