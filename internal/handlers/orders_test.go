package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/auth"
	"github.com/sgwear/storefront/internal/services"
)

func newOrderRouter(orders services.OrderService) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, orders).Routes)
	return router
}

func TestOrderHandlersListOrders(t *testing.T) {
	now := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	var capturedUser string
	var capturedLimit int
	orders := &stubOrderService{
		listFn: func(_ context.Context, userID string, limit int) ([]domain.Order, error) {
			capturedUser, capturedLimit = userID, limit
			return []domain.Order{{
				ID:            "ord-1",
				Number:        "SG-000001",
				UserID:        "user-1",
				PaymentMethod: domain.PaymentMethodCard,
				PaymentStatus: domain.PaymentStatusPaid,
				Totals:        domain.NewOrderTotals(mustDecimal("45"), mustDecimal("0"), mustDecimal("0"), mustDecimal("5.99")),
				CreatedAt:     now,
				PaidAt:        &now,
			}}, nil
		},
	}
	router := newOrderRouter(orders)

	req := httptest.NewRequest(http.MethodGet, "/orders?page_size=500", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if capturedUser != "user-1" {
		t.Fatalf("expected user-1, got %s", capturedUser)
	}
	if capturedLimit != maxOrderPageSize {
		t.Fatalf("expected page size clamped to %d, got %d", maxOrderPageSize, capturedLimit)
	}
	var body struct {
		Items []struct {
			Number string `json:"number"`
			PaidAt string `json:"paidAt"`
			Totals struct {
				Total string `json:"total"`
			} `json:"totals"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 || body.Items[0].Totals.Total != "50.99" || body.Items[0].PaidAt != "2026-03-15T09:30:00Z" {
		t.Fatalf("unexpected items %+v", body.Items)
	}
}

func TestOrderHandlersRequireIdentity(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderOwnership(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, orderID string) (domain.Order, error) {
			switch orderID {
			case "ord-user":
				return domain.Order{ID: orderID, UserID: "user-1"}, nil
			case "ord-guest":
				return domain.Order{ID: orderID, GuestEmail: "guest@example.com"}, nil
			}
			return domain.Order{}, services.ErrOrderNotFound
		},
	}
	router := newOrderRouter(orders)

	cases := []struct {
		name     string
		orderID  string
		identity *auth.Identity
		status   int
	}{
		{name: "owner", orderID: "ord-user", identity: &auth.Identity{UID: "user-1"}, status: http.StatusOK},
		{name: "other shopper", orderID: "ord-user", identity: &auth.Identity{UID: "user-2"}, status: http.StatusNotFound},
		{name: "staff", orderID: "ord-user", identity: &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}, status: http.StatusOK},
		{name: "guest email match", orderID: "ord-guest", identity: &auth.Identity{UID: "user-3", Email: "Guest@Example.com"}, status: http.StatusOK},
		{name: "guest email mismatch", orderID: "ord-guest", identity: &auth.Identity{UID: "user-3", Email: "other@example.com"}, status: http.StatusNotFound},
		{name: "missing", orderID: "ord-missing", identity: &auth.Identity{UID: "user-1"}, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/orders/"+tc.orderID, nil)
			req = req.WithContext(auth.WithIdentity(req.Context(), tc.identity))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}
