package repositories

import "fmt"

// StockErrorCode enumerates why an order's stock decrement was refused.
type StockErrorCode string

const (
	// StockErrorInsufficient indicates the requested quantity exceeds what is left for the size.
	StockErrorInsufficient StockErrorCode = "stock_insufficient"
	// StockErrorUnknownSize indicates the product has no inventory entry for the size.
	StockErrorUnknownSize StockErrorCode = "stock_unknown_size"
	// StockErrorProductUnavailable indicates the product is missing or archived.
	StockErrorProductUnavailable StockErrorCode = "stock_product_unavailable"
)

// StockError reports a per-line inventory failure raised inside the order transaction.
type StockError struct {
	Code      StockErrorCode
	ProductID string
	Size      string
	Requested int
	Available int
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case StockErrorInsufficient:
		return fmt.Sprintf("%s: product %s size %s requested %d available %d", e.Code, e.ProductID, e.Size, e.Requested, e.Available)
	case StockErrorUnknownSize:
		return fmt.Sprintf("%s: product %s has no size %q", e.Code, e.ProductID, e.Size)
	default:
		return fmt.Sprintf("%s: product %s", e.Code, e.ProductID)
	}
}
