package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductCategory groups catalog entries for merchandising.
type ProductCategory string

const (
	// ProductCategoryApparel covers tees, hoodies and other garments.
	ProductCategoryApparel ProductCategory = "apparel"
	// ProductCategoryAccessory covers hats, bags and small goods.
	ProductCategoryAccessory ProductCategory = "accessory"
)

// Valid reports whether the category is one of the known values.
func (c ProductCategory) Valid() bool {
	switch c {
	case ProductCategoryApparel, ProductCategoryAccessory:
		return true
	}
	return false
}

// DigitalTwin links a physical product to its on-chain collectible.
type DigitalTwin struct {
	Chain           string
	ContractAddress string
	TokenID         string
}

// Product represents a catalog entry with per-size stock.
type Product struct {
	ID             string
	Name           string
	Description    string
	Price          decimal.Decimal
	Category       ProductCategory
	Inventory      map[string]int
	Featured       bool
	Archived       bool
	LimitedEdition bool
	ImageURLs      []string
	DigitalTwin    *DigitalTwin
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Purchasable reports whether the product may appear on purchase and promotional surfaces.
func (p Product) Purchasable() bool {
	return !p.Archived
}

// StockFor returns the available quantity for the size label, and whether the size exists.
func (p Product) StockFor(size string) (int, bool) {
	if p.Inventory == nil {
		return 0, false
	}
	qty, ok := p.Inventory[size]
	return qty, ok
}

// TotalStock sums the per-size counts.
func (p Product) TotalStock() int {
	total := 0
	for _, qty := range p.Inventory {
		total += qty
	}
	return total
}

// CartItem references a product in a chosen size.
type CartItem struct {
	LineID    string
	ProductID string
	Size      string
	Quantity  int
}

// PaymentMethod identifies how an order is settled.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCrypto PaymentMethod = "crypto"
	PaymentMethodCash   PaymentMethod = "cash"
	PaymentMethodVenmo  PaymentMethod = "venmo"
	PaymentMethodZelle  PaymentMethod = "zelle"
	PaymentMethodOther  PaymentMethod = "other"
)

// Valid reports whether the payment method is supported.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodCrypto, PaymentMethodCash, PaymentMethodVenmo, PaymentMethodZelle, PaymentMethodOther:
		return true
	}
	return false
}

// PaymentStatus tracks settlement of an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderType distinguishes storefront checkouts from orders keyed in by staff.
type OrderType string

const (
	OrderTypeOnline OrderType = "online"
	OrderTypeManual OrderType = "manual"
)

// OrderTotals holds the monetary snapshot captured at order creation.
type OrderTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal
}

// NewOrderTotals computes Total from its components.
func NewOrderTotals(subtotal, tax, discount, shipping decimal.Decimal) OrderTotals {
	return OrderTotals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Shipping: shipping,
		Total:    subtotal.Add(tax).Sub(discount).Add(shipping),
	}
}

// Consistent reports whether Total equals subtotal + tax - discount + shipping.
func (t OrderTotals) Consistent() bool {
	return t.Subtotal.Add(t.Tax).Sub(t.Discount).Add(t.Shipping).Equal(t.Total)
}

// OrderItem captures the price a line was sold at.
type OrderItem struct {
	ProductID string
	Name      string
	Size      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Order is the immutable purchase record plus its payment lifecycle.
type Order struct {
	ID                    string
	Number                string
	UserID                string
	GuestEmail            string
	Items                 []OrderItem
	Totals                OrderTotals
	BundleDiscountPercent decimal.Decimal
	LoyaltyDiscount       decimal.Decimal
	RewardUnits           int64
	PaymentMethod         PaymentMethod
	PaymentStatus         PaymentStatus
	Type                  OrderType
	PaymentIntentID       string
	RefundedAmount        decimal.Decimal
	Notes                 string
	CreatedBy             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	PaidAt                *time.Time
	RefundedAt            *time.Time
}

// CustomerEmail returns the guest email when present.
func (o Order) CustomerEmail() string {
	return o.GuestEmail
}

// ConsentRecord is durable proof that a customer accepted the no-refunds policy at checkout.
type ConsentRecord struct {
	ID         string
	OrderID    string
	UserID     string
	Email      string
	PolicyText string
	AcceptedAt time.Time
	IPAddress  string
	UserAgent  string
	CreatedAt  time.Time
}

// RefundException is an admin override permitting a refund despite a recorded consent.
type RefundException struct {
	ID           string
	OrderID      string
	AdminID      string
	Reason       string
	RefundAmount decimal.Decimal
	Processed    bool
	CreatedAt    time.Time
	ProcessedAt  *time.Time
}

// RefundState enumerates the gate states for an order.
type RefundState string

const (
	RefundStateNoConsent              RefundState = "NO_CONSENT"
	RefundStateConsentedNoException   RefundState = "CONSENTED_NO_EXCEPTION"
	RefundStateConsentedWithException RefundState = "CONSENTED_WITH_EXCEPTION"
	RefundStateUnknown                RefundState = "UNKNOWN"
)

// RefundDecision is the gate's answer for an order.
type RefundDecision struct {
	Allowed     bool
	Reason      string
	State       RefundState
	MaxRefund   *decimal.Decimal
	ExceptionID string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
