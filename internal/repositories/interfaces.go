package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err carries a repository not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a repository conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries a transient backend classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}

// ProductRepository reads catalog entries.
type ProductRepository interface {
	List(ctx context.Context, filter ProductFilter) ([]domain.Product, error)
	Get(ctx context.Context, productID string) (domain.Product, error)
	GetMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
}

// ProductFilter narrows catalog listings.
type ProductFilter struct {
	Category        *domain.ProductCategory
	FeaturedOnly    bool
	IncludeArchived bool
	Limit           int
}

// StockDecrement removes Quantity units of Size from a product inside the order transaction.
type StockDecrement struct {
	ProductID string
	Size      string
	Quantity  int
}

// PaymentUpdate moves an order between payment states when its current status is one of From.
type PaymentUpdate struct {
	From            []domain.PaymentStatus
	To              domain.PaymentStatus
	PaymentIntentID string
	PaidAt          *time.Time
	RefundedAmount  *decimal.Decimal
	RefundedAt      *time.Time
	UpdatedAt       time.Time
}

// OrderRepository persists orders. Create decrements stock and stores the order atomically.
type OrderRepository interface {
	Create(ctx context.Context, order domain.Order, decrements []StockDecrement) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error)
	UpdatePayment(ctx context.Context, orderID string, update PaymentUpdate) (domain.Order, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// ConsentRepository stores immutable purchase consent records.
type ConsentRepository interface {
	Insert(ctx context.Context, record domain.ConsentRecord) (domain.ConsentRecord, error)
	GetByOrder(ctx context.Context, orderID string) (domain.ConsentRecord, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.ConsentRecord, error)
	Ping(ctx context.Context) error
}

// RefundExceptionRepository stores admin refund overrides.
type RefundExceptionRepository interface {
	Insert(ctx context.Context, exception domain.RefundException) (domain.RefundException, error)
	Get(ctx context.Context, exceptionID string) (domain.RefundException, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.RefundException, error)
	// MarkProcessed flips processed to true. The boolean reports whether it was already set.
	MarkProcessed(ctx context.Context, exceptionID string, at time.Time) (domain.RefundException, bool, error)
	// Reopen reverts a processed exception to unprocessed.
	Reopen(ctx context.Context, exceptionID string) (domain.RefundException, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
