package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/payments"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/platform/redisx"
)

var (
	// ErrRefundInvalidInput marks refund requests that failed validation.
	ErrRefundInvalidInput = errors.New("refund: invalid input")
	// ErrRefundNotFound marks a missing order.
	ErrRefundNotFound = errors.New("refund: not found")
	// ErrRefundBlocked marks a refund the sales-final gate does not allow.
	ErrRefundBlocked = errors.New("refund: blocked")
	// ErrRefundConflict marks an order that is not refundable in its current state or a refund already running.
	ErrRefundConflict = errors.New("refund: conflict")
	// ErrRefundUnavailable marks gate or storage failures. Callers may retry.
	ErrRefundUnavailable = errors.New("refund: unavailable")
	// ErrRefundPaymentFailed marks a payment processor rejection.
	ErrRefundPaymentFailed = errors.New("refund: payment provider failed")
)

// PaymentRefunder issues refunds through a payment provider. *payments.Manager satisfies it.
type PaymentRefunder interface {
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.RefundResult, error)
}

// RefundServiceDeps bundles collaborators for refund execution.
type RefundServiceDeps struct {
	Orders   OrderService
	Gate     RefundGate
	Payments PaymentRefunder
	Guard    ExceptionGuard
	Events   events.Publisher
	Clock    func() time.Time
	Logger   Logger
}

type refundService struct {
	orders   OrderService
	gate     RefundGate
	payments PaymentRefunder
	guard    ExceptionGuard
	events   events.Publisher
	clock    func() time.Time
	logger   Logger
}

var _ RefundService = (*refundService)(nil)

// NewRefundService constructs the refund executor.
func NewRefundService(deps RefundServiceDeps) (RefundService, error) {
	if deps.Orders == nil {
		return nil, errors.New("refund service: order service is required")
	}
	if deps.Gate == nil {
		return nil, errors.New("refund service: refund gate is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("refund service: payments are required")
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}
	return &refundService{
		orders:   deps.Orders,
		gate:     deps.Gate,
		payments: deps.Payments,
		guard:    deps.Guard,
		events:   publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *refundService) Refund(ctx context.Context, cmd RefundCommand) (RefundOutcome, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	adminID := strings.TrimSpace(cmd.AdminID)
	if orderID == "" {
		return RefundOutcome{}, fmt.Errorf("%w: order id is required", ErrRefundInvalidInput)
	}
	if adminID == "" {
		return RefundOutcome{}, fmt.Errorf("%w: admin id is required", ErrRefundInvalidInput)
	}

	if s.guard != nil {
		release, err := s.guard.Acquire(ctx, fmt.Sprintf(redisx.KeyOrderRefund, orderID))
		switch {
		case errors.Is(err, redisx.ErrGuardHeld):
			return RefundOutcome{}, fmt.Errorf("%w: a refund is already in progress for order %s", ErrRefundConflict, orderID)
		case err != nil:
			s.logger(ctx, "refund.guard.warning", map[string]any{"orderId": orderID, "error": err})
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return RefundOutcome{}, fmt.Errorf("%w: order %s", ErrRefundNotFound, orderID)
		}
		return RefundOutcome{}, fmt.Errorf("%w: %w", ErrRefundUnavailable, err)
	}
	if order.PaymentStatus == domain.PaymentStatusPending {
		return RefundOutcome{}, fmt.Errorf("%w: order %s has not been paid", ErrRefundConflict, orderID)
	}
	if !order.Totals.Total.Sub(order.RefundedAmount).IsPositive() {
		return RefundOutcome{}, fmt.Errorf("%w: order %s is fully refunded", ErrRefundConflict, orderID)
	}

	decision, err := s.gate.Evaluate(ctx, orderID)
	if err != nil {
		return RefundOutcome{Order: order, Decision: decision}, fmt.Errorf("%w: %w", ErrRefundUnavailable, err)
	}
	if !decision.Allowed {
		s.logger(ctx, "refund.blocked", map[string]any{"orderId": orderID, "adminId": adminID, "reason": decision.Reason})
		return RefundOutcome{Order: order, Decision: decision}, fmt.Errorf("%w: %s", ErrRefundBlocked, decision.Reason)
	}

	limit := RefundCap(order, decision)
	amount := limit
	if cmd.Amount != nil {
		amount = *cmd.Amount
	}
	switch {
	case !amount.IsPositive():
		return RefundOutcome{}, fmt.Errorf("%w: amount must be greater than zero", ErrRefundInvalidInput)
	case !amount.Equal(domain.RoundMoney(amount)):
		return RefundOutcome{}, fmt.Errorf("%w: amount must not have fractional cents", ErrRefundInvalidInput)
	case amount.GreaterThan(limit):
		return RefundOutcome{}, fmt.Errorf("%w: amount %s exceeds the permitted %s", ErrRefundInvalidInput, amount.StringFixed(2), limit.StringFixed(2))
	}
	if order.PaymentMethod == domain.PaymentMethodCard && order.PaymentIntentID == "" {
		return RefundOutcome{}, fmt.Errorf("%w: card order %s has no payment intent", ErrRefundConflict, orderID)
	}

	// The exception is spent before money moves so it can never fund two refunds.
	if decision.ExceptionID != "" {
		if _, err := s.gate.ClaimException(ctx, decision.ExceptionID); err != nil {
			s.logger(ctx, "refund.exception.claim_failed", map[string]any{
				"orderId":     orderID,
				"exceptionId": decision.ExceptionID,
				"error":       err,
			})
			switch {
			case errors.Is(err, ErrRefundGateConflict):
				return RefundOutcome{}, fmt.Errorf("%w: %w", ErrRefundConflict, err)
			case errors.Is(err, ErrRefundGateNotFound):
				return RefundOutcome{}, fmt.Errorf("%w: %w", ErrRefundNotFound, err)
			default:
				return RefundOutcome{}, fmt.Errorf("%w: %w", ErrRefundUnavailable, err)
			}
		}
	}

	result, err := s.payments.Refund(ctx, payments.PaymentContext{Method: string(order.PaymentMethod)}, payments.RefundRequest{
		OrderID:        order.ID,
		IntentID:       order.PaymentIntentID,
		Amount:         domain.MinorUnits(amount),
		Reason:         strings.TrimSpace(cmd.Reason),
		IdempotencyKey: refundIdempotencyKey(order, decision),
		Metadata: map[string]string{
			"orderNumber": order.Number,
			"adminId":     adminID,
			"exceptionId": decision.ExceptionID,
		},
	})
	if err != nil {
		s.logger(ctx, "refund.payment.failed", map[string]any{"orderId": orderID, "error": err})
		if decision.ExceptionID != "" {
			if releaseErr := s.gate.ReleaseException(context.WithoutCancel(ctx), decision.ExceptionID); releaseErr != nil {
				// The exception stays spent; an admin must grant a new one.
				s.logger(ctx, "refund.exception.release_failed", map[string]any{
					"orderId":     orderID,
					"exceptionId": decision.ExceptionID,
					"error":       releaseErr,
				})
			}
		}
		if errors.Is(err, payments.ErrInvalidRequest) {
			return RefundOutcome{}, fmt.Errorf("%w: %w", ErrRefundInvalidInput, err)
		}
		return RefundOutcome{}, fmt.Errorf("%w: %w", ErrRefundPaymentFailed, err)
	}

	now := s.clock()
	updated, err := s.orders.MarkRefunded(ctx, MarkRefundedCommand{
		OrderID:    orderID,
		Amount:     amount,
		RefundedAt: now,
		RefundID:   result.RefundID,
	})
	if err != nil {
		s.logger(ctx, "refund.order_update.failed", map[string]any{"orderId": orderID, "refundId": result.RefundID, "error": err})
		return RefundOutcome{}, fmt.Errorf("%w: refund %s issued but order not updated: %w", ErrRefundUnavailable, result.RefundID, err)
	}

	s.logger(ctx, "refund.completed", map[string]any{
		"orderId":     orderID,
		"adminId":     adminID,
		"provider":    result.Provider,
		"refundId":    result.RefundID,
		"amount":      amount.StringFixed(2),
		"exceptionId": decision.ExceptionID,
	})
	payload := orderEventPayload(events.TypeOrderRefunded, updated, now)
	payload["refundAmount"] = amount.StringFixed(2)
	payload["refundId"] = result.RefundID
	publishEvent(ctx, s.events, s.logger, events.TypeOrderRefunded, orderID, payload, now)

	return RefundOutcome{
		Order:    updated,
		Decision: decision,
		Provider: result.Provider,
		RefundID: result.RefundID,
		Amount:   amount,
	}, nil
}

// refundIdempotencyKey ties a processor refund to the exception that granted it, or to the
// amount already refunded when no exception applies.
func refundIdempotencyKey(order domain.Order, decision domain.RefundDecision) string {
	if decision.ExceptionID != "" {
		return "refund:" + order.ID + ":" + decision.ExceptionID
	}
	return fmt.Sprintf("refund:%s:%d", order.ID, domain.MinorUnits(order.RefundedAmount))
}
