package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/httpx"
	"github.com/sgwear/storefront/internal/services"
)

// PublicHandlers serves unauthenticated catalog, pricing and policy endpoints.
type PublicHandlers struct {
	catalog services.CatalogService
	quotes  services.CartQuoteService
	policy  services.PolicyService
}

// NewPublicHandlers constructs the public endpoint handlers.
func NewPublicHandlers(catalog services.CatalogService, quotes services.CartQuoteService, policy services.PolicyService) *PublicHandlers {
	return &PublicHandlers{catalog: catalog, quotes: quotes, policy: policy}
}

// Routes registers the /public endpoints.
func (h *PublicHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/products", h.listProducts)
	r.Get("/products/{productID}", h.getProduct)
	r.Post("/pricing/quote", h.quote)
	r.Get("/pricing/shipping-progress", h.shippingProgress)
	r.Get("/pricing/price", h.price)
	r.Get("/policies/sales-final", h.salesFinalPolicy)
}

type cartItemRequest struct {
	ProductID string `json:"productId"`
	Size      string `json:"size"`
	Quantity  int    `json:"quantity"`
}

type quoteRequest struct {
	Items         []cartItemRequest `json:"items"`
	PaymentMethod string            `json:"paymentMethod"`
}

func toCartItems(items []cartItemRequest) []domain.CartItem {
	out := make([]domain.CartItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.CartItem{ProductID: item.ProductID, Size: item.Size, Quantity: item.Quantity})
	}
	return out
}

func (h *PublicHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}

	query := r.URL.Query()
	filter := services.ProductListFilter{
		Category: strings.TrimSpace(query.Get("category")),
	}
	if raw := strings.TrimSpace(query.Get("featured")); raw != "" {
		featured, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "featured must be a boolean", http.StatusBadRequest))
			return
		}
		filter.FeaturedOnly = featured
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be an integer", http.StatusBadRequest))
			return
		}
		filter.Limit = limit
	}

	products, err := h.catalog.ListProducts(ctx, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	items := make([]productPayload, 0, len(products))
	for _, product := range products {
		items = append(items, buildProductPayload(product))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"items": items})
}

func (h *PublicHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		serviceUnavailable(ctx, w, "catalog")
		return
	}
	product, err := h.catalog.GetProduct(ctx, strings.TrimSpace(chi.URLParam(r, "productID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"product": buildProductPayload(product)})
}

func (h *PublicHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		serviceUnavailable(ctx, w, "pricing")
		return
	}
	var req quoteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}
	quote, err := h.quotes.Quote(ctx, services.QuoteRequest{
		Items:         toCartItems(req.Items),
		PaymentMethod: domain.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"quote": buildQuotePayload(quote)})
}

func (h *PublicHandlers) shippingProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		serviceUnavailable(ctx, w, "pricing")
		return
	}
	subtotal, err := parseMoneyParam("subtotal", r.URL.Query().Get("subtotal"))
	if err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}
	view, err := h.quotes.ShippingProgress(subtotal)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"subtotal": formatMoney(view.Subtotal),
		"shipping": formatMoney(view.Cost),
		"message":  view.Tier.Message,
		"next":     buildShippingProgressPayload(view.Next),
	})
}

func (h *PublicHandlers) price(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		serviceUnavailable(ctx, w, "pricing")
		return
	}
	query := r.URL.Query()
	amount, err := parseMoneyParam("amount", query.Get("amount"))
	if err != nil {
		httpx.WriteBadRequest(ctx, w, err)
		return
	}
	view, err := h.quotes.DisplayPrice(amount, domain.PaymentMethod(query.Get("method")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"basePrice":       formatMoney(view.BasePrice),
		"price":           formatMoney(view.Price),
		"discount":        formatMoney(view.Discount),
		"discountApplied": view.DiscountApplied,
		"formatted":       view.Formatted,
		"formattedBase":   view.FormattedBase,
	})
}

func (h *PublicHandlers) salesFinalPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.policy == nil {
		serviceUnavailable(ctx, w, "policy")
		return
	}
	policy, err := h.policy.SalesFinal(ctx)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"enabled":      policy.Enabled,
		"checkboxText": policy.CheckboxText,
		"html":         policy.HTML,
	})
}
