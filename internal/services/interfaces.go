package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
)

// Logger receives structured service events. main bridges it onto zap.
type Logger func(ctx context.Context, event string, fields map[string]any)

func nopLogger(context.Context, string, map[string]any) {}

// CatalogService exposes storefront product reads.
type CatalogService interface {
	ListProducts(ctx context.Context, filter ProductListFilter) ([]domain.Product, error)
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// ProductListFilter narrows public listings. Archived products are never included.
type ProductListFilter struct {
	Category     string
	FeaturedOnly bool
	Limit        int
}

// CartQuoteService prices carts for the cart drawer and checkout page.
type CartQuoteService interface {
	Quote(ctx context.Context, req QuoteRequest) (CartQuote, error)
	ShippingProgress(subtotal decimal.Decimal) (ShippingProgressView, error)
	DisplayPrice(amount decimal.Decimal, method domain.PaymentMethod) (PriceView, error)
}

// QuoteRequest is a cart snapshot sent by the client.
type QuoteRequest struct {
	Items         []domain.CartItem
	PaymentMethod domain.PaymentMethod
}

// QuoteLine is a priced cart line.
type QuoteLine struct {
	LineID    string
	ProductID string
	Name      string
	Size      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
	Available int
}

// CartQuote is the full price breakdown for a cart.
type CartQuote struct {
	Lines                 []QuoteLine
	ItemCount             int
	Subtotal              decimal.Decimal
	BundleDiscount        decimal.Decimal
	BundleDiscountPercent decimal.Decimal
	LoyaltyDiscount       decimal.Decimal
	Discount              decimal.Decimal
	Shipping              decimal.Decimal
	ShippingSavings       decimal.Decimal
	Tax                   decimal.Decimal
	Total                 decimal.Decimal
	RewardUnits           int64
	ShippingTier          domain.ShippingTier
	NextShipping          *ShippingProgress
	PaymentMethod         domain.PaymentMethod
}

// Totals returns the order totals captured from the quote.
func (q CartQuote) Totals() domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal: q.Subtotal,
		Tax:      q.Tax,
		Discount: q.Discount,
		Shipping: q.Shipping,
		Total:    q.Total,
	}
}

// ShippingProgressView backs the free-shipping progress bar.
type ShippingProgressView struct {
	Subtotal decimal.Decimal
	Cost     decimal.Decimal
	Tier     domain.ShippingTier
	Next     *ShippingProgress
}

// PriceView is a single product price as displayed for a payment method.
type PriceView struct {
	BasePrice       decimal.Decimal
	Price           decimal.Decimal
	Discount        decimal.Decimal
	DiscountApplied bool
	Formatted       string
	FormattedBase   string
}

// OrderService places orders and moves them through payment states.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacedOrder, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	MarkPaid(ctx context.Context, cmd MarkPaidCommand) (domain.Order, error)
	MarkRefunded(ctx context.Context, cmd MarkRefundedCommand) (domain.Order, error)
}

// ConsentAcceptance is what the checkout form submitted for the sales-final checkbox.
// The acceptance time is taken from the server clock when the order is placed.
type ConsentAcceptance struct {
	Accepted  bool
	Text      string
	IPAddress string
	UserAgent string
}

// PlaceOrderCommand carries a checkout or a staff-entered manual order.
type PlaceOrderCommand struct {
	UserID        string
	Email         string
	GuestEmail    string
	Items         []domain.CartItem
	PaymentMethod domain.PaymentMethod
	Type          domain.OrderType
	// MarkPaid creates a manual non-card order already settled.
	MarkPaid  bool
	Notes     string
	CreatedBy string
	Consent   *ConsentAcceptance
}

// PlacedOrder is the stored order with the quote it was priced from.
type PlacedOrder struct {
	Order   domain.Order
	Quote   CartQuote
	Consent *domain.ConsentRecord
}

// MarkPaidCommand settles a pending order.
type MarkPaidCommand struct {
	OrderID         string
	PaymentIntentID string
	PaidAt          time.Time
	ActorID         string
}

// MarkRefundedCommand records a completed refund on a paid order.
type MarkRefundedCommand struct {
	OrderID    string
	Amount     decimal.Decimal
	RefundedAt time.Time
	RefundID   string
}

// RefundGate decides whether an order may be refunded under the sales-final policy.
type RefundGate interface {
	RecordConsent(ctx context.Context, in ConsentInput) (domain.ConsentRecord, error)
	CreateException(ctx context.Context, in ExceptionInput) (domain.RefundException, error)
	ListExceptions(ctx context.Context, orderID string) ([]domain.RefundException, error)
	Evaluate(ctx context.Context, orderID string) (domain.RefundDecision, error)
	MarkProcessed(ctx context.Context, exceptionID string) (domain.RefundException, error)
	// ClaimException marks the exception processed and fails with a conflict when it already was.
	ClaimException(ctx context.Context, exceptionID string) (domain.RefundException, error)
	// ReleaseException reopens a claimed exception whose refund was not issued.
	ReleaseException(ctx context.Context, exceptionID string) error
}

// ConsentInput is the checkbox acceptance captured at checkout.
type ConsentInput struct {
	OrderID    string
	UserID     string
	Email      string
	Text       string
	AcceptedAt time.Time
	IPAddress  string
	UserAgent  string
}

// ExceptionInput is an admin request to permit a refund.
type ExceptionInput struct {
	OrderID string
	AdminID string
	Reason  string
	Amount  decimal.Decimal
}

// RefundService executes refunds that the gate allows.
type RefundService interface {
	Refund(ctx context.Context, cmd RefundCommand) (RefundOutcome, error)
}

// RefundCommand requests a refund. A nil Amount refunds the maximum permitted.
type RefundCommand struct {
	OrderID string
	AdminID string
	Reason  string
	Amount  *decimal.Decimal
}

// RefundOutcome reports the refund that was issued.
type RefundOutcome struct {
	Order    domain.Order
	Decision domain.RefundDecision
	Provider string
	RefundID string
	Amount   decimal.Decimal
}

// PolicyService serves the sales-final policy disclosure.
type PolicyService interface {
	SalesFinal(ctx context.Context) (SalesFinalPolicy, error)
}

// SalesFinalPolicy is the rendered policy shown before checkout.
type SalesFinalPolicy struct {
	Enabled      bool
	CheckboxText string
	HTML         string
}

// ConsentExportService writes consent records to the exports bucket.
type ConsentExportService interface {
	Export(ctx context.Context, cmd ConsentExportCommand) (ConsentExportResult, error)
}

// ConsentExportCommand selects records with From <= created_at < To.
type ConsentExportCommand struct {
	From        time.Time
	To          time.Time
	RequestedBy string
}

// ConsentExportResult locates the written export.
type ConsentExportResult struct {
	ExportID string
	URI      string
	Bucket   string
	Object   string
	Rows     int
	Bytes    int64
	From     time.Time
	To       time.Time
}

// SystemService exposes health reports.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}
