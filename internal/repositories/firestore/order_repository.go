package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/sgwear/storefront/internal/domain"
	pfirestore "github.com/sgwear/storefront/internal/platform/firestore"
	"github.com/sgwear/storefront/internal/platform/storeerr"
	"github.com/sgwear/storefront/internal/repositories"
)

const (
	ordersCollection     = "orders"
	defaultOrderListSize = 50
	maxOrderListSize     = 200

	// Checkout transactions contend on hot product documents during drops.
	checkoutTxAttempts = 8
	checkoutTxTimeout  = 10 * time.Second
)

type orderItemDocument struct {
	ProductID      string `firestore:"productId"`
	Name           string `firestore:"name"`
	Size           string `firestore:"size"`
	Quantity       int    `firestore:"quantity"`
	UnitPriceCents int64  `firestore:"unitPriceCents"`
	LineTotalCents int64  `firestore:"lineTotalCents"`
}

type orderTotalsDocument struct {
	SubtotalCents int64 `firestore:"subtotalCents"`
	TaxCents      int64 `firestore:"taxCents"`
	DiscountCents int64 `firestore:"discountCents"`
	ShippingCents int64 `firestore:"shippingCents"`
	TotalCents    int64 `firestore:"totalCents"`
}

type orderDocument struct {
	Number                string              `firestore:"number"`
	UserID                string              `firestore:"userId,omitempty"`
	GuestEmail            string              `firestore:"guestEmail,omitempty"`
	Items                 []orderItemDocument `firestore:"items"`
	Totals                orderTotalsDocument `firestore:"totals"`
	BundleDiscountPercent string              `firestore:"bundleDiscountPercent"`
	LoyaltyDiscountCents  int64               `firestore:"loyaltyDiscountCents"`
	RewardUnits           int64               `firestore:"rewardUnits"`
	PaymentMethod         string              `firestore:"paymentMethod"`
	PaymentStatus         string              `firestore:"paymentStatus"`
	Type                  string              `firestore:"type"`
	PaymentIntentID       string              `firestore:"paymentIntentId,omitempty"`
	RefundedAmountCents   int64               `firestore:"refundedAmountCents"`
	Notes                 string              `firestore:"notes,omitempty"`
	CreatedBy             string              `firestore:"createdBy,omitempty"`
	CreatedAt             time.Time           `firestore:"createdAt"`
	UpdatedAt             time.Time           `firestore:"updatedAt"`
	PaidAt                *time.Time          `firestore:"paidAt,omitempty"`
	RefundedAt            *time.Time          `firestore:"refundedAt,omitempty"`
}

// OrderRepository implements repositories.OrderRepository on Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
	}, nil
}

type stockKey struct {
	productID string
	size      string
}

// Create decrements stock and stores the order in one transaction.
// Stock failures surface as *repositories.StockError and nothing is written.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order, decrements []repositories.StockDecrement) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, storeerr.New("orders.create", storeerr.KindUnknown, errors.New("order id is required"))
	}

	requested := make(map[stockKey]int, len(decrements))
	productIDs := make([]string, 0, len(decrements))
	for _, dec := range decrements {
		if dec.Quantity <= 0 {
			continue
		}
		key := stockKey{productID: dec.ProductID, size: dec.Size}
		if _, ok := requested[key]; !ok {
			productIDs = appendUnique(productIDs, dec.ProductID)
		}
		requested[key] += dec.Quantity
	}
	sort.Strings(productIDs)

	doc := newOrderDocument(order)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		type loaded struct {
			ref  *firestore.DocumentRef
			data productDocument
		}
		products := make(map[string]loaded, len(productIDs))
		for _, id := range productIDs {
			ref, err := r.products.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(ref)
			if status.Code(err) == codes.NotFound {
				return &repositories.StockError{Code: repositories.StockErrorProductUnavailable, ProductID: id}
			}
			if err != nil {
				return err
			}
			var data productDocument
			if err := snapshot.DataTo(&data); err != nil {
				return fmt.Errorf("firestore products decode %s: %w", id, err)
			}
			if data.Archived {
				return &repositories.StockError{Code: repositories.StockErrorProductUnavailable, ProductID: id}
			}
			products[id] = loaded{ref: ref, data: data}
		}

		for key, qty := range requested {
			available, ok := products[key.productID].data.Inventory[key.size]
			if !ok {
				return &repositories.StockError{Code: repositories.StockErrorUnknownSize, ProductID: key.productID, Size: key.size}
			}
			if available < qty {
				return &repositories.StockError{
					Code:      repositories.StockErrorInsufficient,
					ProductID: key.productID,
					Size:      key.size,
					Requested: qty,
					Available: available,
				}
			}
		}

		now := order.CreatedAt
		if now.IsZero() {
			now = time.Now().UTC()
		}
		for _, id := range productIDs {
			product := products[id]
			updates := []firestore.Update{{Path: "updatedAt", Value: now}}
			for key, qty := range requested {
				if key.productID != id {
					continue
				}
				updates = append(updates, firestore.Update{
					FieldPath: firestore.FieldPath{"inventory", key.size},
					Value:     product.data.Inventory[key.size] - qty,
				})
			}
			if err := tx.Update(product.ref, updates); err != nil {
				return err
			}
		}

		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		return tx.Create(orderRef, doc)
	}, pfirestore.WithTxAttempts(checkoutTxAttempts), pfirestore.WithTxTimeout(checkoutTxTimeout))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(order.ID), nil
}

// Get loads an order by ID.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByPaymentIntent returns the order carrying the PSP payment intent.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	intent := strings.TrimSpace(paymentIntentID)
	if intent == "" {
		return domain.Order{}, storeerr.New("orders.find_by_intent", storeerr.KindNotFound, errors.New("payment intent id is required"))
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("paymentIntentId", "==", intent).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, storeerr.New("orders.find_by_intent", storeerr.KindNotFound, fmt.Errorf("no order for payment intent %s", intent))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	switch {
	case limit <= 0:
		limit = defaultOrderListSize
	case limit > maxOrderListSize:
		limit = maxOrderListSize
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", strings.TrimSpace(userID)).
			OrderBy("createdAt", firestore.Desc).
			Limit(limit)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

// UpdatePayment applies a payment status transition when the current status is one of update.From.
func (r *OrderRepository) UpdatePayment(ctx context.Context, orderID string, update repositories.PaymentUpdate) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	var updated orderDocument
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if err != nil {
			return pfirestore.WrapError("orders.update_payment", err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		if !statusIn(domain.PaymentStatus(doc.PaymentStatus), update.From) {
			return storeerr.New("orders.update_payment", storeerr.KindConflict,
				fmt.Errorf("order %s is %s, cannot move to %s", id, doc.PaymentStatus, update.To))
		}

		at := update.UpdatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		doc.PaymentStatus = string(update.To)
		doc.UpdatedAt = at
		if update.PaymentIntentID != "" {
			doc.PaymentIntentID = update.PaymentIntentID
		}
		if update.PaidAt != nil {
			doc.PaidAt = update.PaidAt
		}
		if update.RefundedAmount != nil {
			doc.RefundedAmountCents = domain.MinorUnits(*update.RefundedAmount)
		}
		if update.RefundedAt != nil {
			doc.RefundedAt = update.RefundedAt
		}
		updated = doc
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated.toDomain(id), nil
}

func statusIn(current domain.PaymentStatus, allowed []domain.PaymentStatus) bool {
	for _, s := range allowed {
		if s == current {
			return true
		}
	}
	return false
}

func appendUnique(values []string, value string) []string {
	for _, v := range values {
		if v == value {
			return values
		}
	}
	return append(values, value)
}

func newOrderDocument(o domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, orderItemDocument{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Size:           item.Size,
			Quantity:       item.Quantity,
			UnitPriceCents: domain.MinorUnits(item.UnitPrice),
			LineTotalCents: domain.MinorUnits(item.LineTotal),
		})
	}
	return orderDocument{
		Number:     o.Number,
		UserID:     o.UserID,
		GuestEmail: o.GuestEmail,
		Items:      items,
		Totals: orderTotalsDocument{
			SubtotalCents: domain.MinorUnits(o.Totals.Subtotal),
			TaxCents:      domain.MinorUnits(o.Totals.Tax),
			DiscountCents: domain.MinorUnits(o.Totals.Discount),
			ShippingCents: domain.MinorUnits(o.Totals.Shipping),
			TotalCents:    domain.MinorUnits(o.Totals.Total),
		},
		BundleDiscountPercent: o.BundleDiscountPercent.String(),
		LoyaltyDiscountCents:  domain.MinorUnits(o.LoyaltyDiscount),
		RewardUnits:           o.RewardUnits,
		PaymentMethod:         string(o.PaymentMethod),
		PaymentStatus:         string(o.PaymentStatus),
		Type:                  string(o.Type),
		PaymentIntentID:       o.PaymentIntentID,
		RefundedAmountCents:   domain.MinorUnits(o.RefundedAmount),
		Notes:                 o.Notes,
		CreatedBy:             o.CreatedBy,
		CreatedAt:             o.CreatedAt,
		UpdatedAt:             o.UpdatedAt,
		PaidAt:                o.PaidAt,
		RefundedAt:            o.RefundedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Size:      item.Size,
			Quantity:  item.Quantity,
			UnitPrice: domain.FromMinorUnits(item.UnitPriceCents),
			LineTotal: domain.FromMinorUnits(item.LineTotalCents),
		})
	}
	bundlePct, err := decimal.NewFromString(d.BundleDiscountPercent)
	if err != nil {
		bundlePct = decimal.Zero
	}
	// Total is read back as stored, never recomputed.
	return domain.Order{
		ID:         id,
		Number:     d.Number,
		UserID:     d.UserID,
		GuestEmail: d.GuestEmail,
		Items:      items,
		Totals: domain.OrderTotals{
			Subtotal: domain.FromMinorUnits(d.Totals.SubtotalCents),
			Tax:      domain.FromMinorUnits(d.Totals.TaxCents),
			Discount: domain.FromMinorUnits(d.Totals.DiscountCents),
			Shipping: domain.FromMinorUnits(d.Totals.ShippingCents),
			Total:    domain.FromMinorUnits(d.Totals.TotalCents),
		},
		BundleDiscountPercent: bundlePct,
		LoyaltyDiscount:       domain.FromMinorUnits(d.LoyaltyDiscountCents),
		RewardUnits:           d.RewardUnits,
		PaymentMethod:         domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus:         domain.PaymentStatus(d.PaymentStatus),
		Type:                  domain.OrderType(d.Type),
		PaymentIntentID:       d.PaymentIntentID,
		RefundedAmount:        domain.FromMinorUnits(d.RefundedAmountCents),
		Notes:                 d.Notes,
		CreatedBy:             d.CreatedBy,
		CreatedAt:             d.CreatedAt,
		UpdatedAt:             d.UpdatedAt,
		PaidAt:                d.PaidAt,
		RefundedAt:            d.RefundedAt,
	}
}
