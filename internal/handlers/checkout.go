package handlers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/auth"
	"github.com/sgwear/storefront/internal/platform/httpx"
	"github.com/sgwear/storefront/internal/services"
)

// CheckoutHandlers places storefront orders for signed-in shoppers and guests.
type CheckoutHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	limiter rateLimiter
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutRateLimit caps order placement per shopper or client address.
func WithCheckoutRateLimit(limit int, window time.Duration, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newWindowRateLimiter(limit, window, clock)
	}
}

// NewCheckoutHandlers constructs checkout handlers.
func NewCheckoutHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{authn: authn, orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.OptionalFirebaseAuth())
	}
	r.Post("/orders", rateLimit(h.limiter, h.placeOrder))
}

// consentRequest carries no timestamp; acceptance is stamped by the server.
type consentRequest struct {
	Accepted bool   `json:"accepted"`
	Text     string `json:"text"`
}

type placeOrderRequest struct {
	Items         []cartItemRequest `json:"items"`
	PaymentMethod string            `json:"paymentMethod"`
	Email         string            `json:"email"`
	Notes         string            `json:"notes"`
	Consent       *consentRequest   `json:"consent"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		serviceUnavailable(ctx, w, "order")
		return
	}

	var req placeOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}

	cmd := services.PlaceOrderCommand{
		Items:         toCartItems(req.Items),
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
		Type:          domain.OrderTypeOnline,
		Notes:         strings.TrimSpace(req.Notes),
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		cmd.UserID = identity.UID
		cmd.Email = firstNonEmpty(identity.Email, req.Email)
	} else {
		cmd.GuestEmail = req.Email
	}

	if req.Consent != nil {
		cmd.Consent = &services.ConsentAcceptance{
			Accepted:  req.Consent.Accepted,
			Text:      req.Consent.Text,
			IPAddress: clientIP(r),
			UserAgent: strings.TrimSpace(r.UserAgent()),
		}
	}

	placed, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := map[string]any{
		"order": buildOrderPayload(placed.Order),
		"quote": buildQuotePayload(placed.Quote),
	}
	if placed.Consent != nil {
		resp["consentId"] = placed.Consent.ID
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

// clientIP returns the caller address. middleware.RealIP has already rewritten RemoteAddr from
// X-Forwarded-For or X-Real-IP when present.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
