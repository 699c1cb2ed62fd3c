package payments

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ManualProvider records refunds settled outside a PSP.
type ManualProvider struct {
	clock  func() time.Time
	logger Logger
}

// NewManualProvider constructs the manual provider.
func NewManualProvider(clock func() time.Time, logger Logger) *ManualProvider {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &ManualProvider{clock: clock, logger: logger}
}

// Refund returns a locally generated refund reference.
func (p *ManualProvider) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return RefundResult{}, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	now := p.clock().UTC()
	id := "manual_" + ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	p.logger(ctx, "payments.manual.refund.recorded", map[string]any{
		"orderId":  req.OrderID,
		"refundId": id,
		"amount":   req.Amount,
	})
	return RefundResult{
		Provider:  ProviderManual,
		RefundID:  id,
		Amount:    req.Amount,
		Status:    StatusRefunded,
		CreatedAt: now,
	}, nil
}

// LookupPayment is not available for manual settlements.
func (p *ManualProvider) LookupPayment(context.Context, LookupRequest) (PaymentDetails, error) {
	return PaymentDetails{}, ErrUnsupportedOperation
}
