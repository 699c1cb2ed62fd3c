package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/unicode/norm"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/platform/redisx"
	"github.com/sgwear/storefront/internal/repositories"
)

// Refund decision reasons surfaced to the admin UI.
const (
	ReasonNoConsent         = "No consent on record"
	ReasonExceptionGranted  = "Admin exception granted"
	ReasonConsentedBlocked  = "Refund blocked: customer consented to no-refunds policy"
	ReasonSystemError       = "Refund blocked: system error during validation"
	defaultGateTimeout      = 8 * time.Second
	maxExceptionReasonRunes = 1000
)

var (
	// ErrRefundGateInvalidInput marks consent or exception input that failed validation.
	ErrRefundGateInvalidInput = errors.New("refund gate: invalid input")
	// ErrRefundGateUnavailable marks storage failures and timeouts. Callers may retry.
	ErrRefundGateUnavailable = errors.New("refund gate: unavailable")
	// ErrRefundGateConflict marks duplicate consents or concurrent exception creation.
	ErrRefundGateConflict = errors.New("refund gate: conflict")
	// ErrRefundGateNotFound marks a missing order or exception.
	ErrRefundGateNotFound = errors.New("refund gate: not found")
)

// ExceptionGuard serialises exception creation per order.
type ExceptionGuard interface {
	Acquire(ctx context.Context, key string) (func(context.Context), error)
}

// RefundGateDeps bundles collaborators for the refund eligibility gate.
type RefundGateDeps struct {
	Consents   repositories.ConsentRepository
	Exceptions repositories.RefundExceptionRepository
	Orders     repositories.OrderRepository
	Guard      ExceptionGuard
	Events     events.Publisher
	// SalesFinalEnabled turns on the exact-match check of consent text against CheckboxText.
	SalesFinalEnabled bool
	CheckboxText      string
	Timeout           time.Duration
	Meter             metric.Meter
	Clock             func() time.Time
	Logger            Logger
}

type refundGate struct {
	consents          repositories.ConsentRepository
	exceptions        repositories.RefundExceptionRepository
	orders            repositories.OrderRepository
	guard             ExceptionGuard
	events            events.Publisher
	salesFinalEnabled bool
	checkboxText      string
	timeout           time.Duration
	decisions         metric.Int64Counter
	sanitizer         *bluemonday.Policy
	clock             func() time.Time
	logger            Logger
}

var _ RefundGate = (*refundGate)(nil)

// NewRefundGate constructs the refund eligibility gate.
func NewRefundGate(deps RefundGateDeps) (RefundGate, error) {
	if deps.Consents == nil {
		return nil, errors.New("refund gate: consent repository is required")
	}
	if deps.Exceptions == nil {
		return nil, errors.New("refund gate: exception repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("refund gate: order repository is required")
	}
	if deps.SalesFinalEnabled && deps.CheckboxText == "" {
		return nil, errors.New("refund gate: checkbox text is required when sales-final is enabled")
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("github.com/sgwear/storefront/internal/services")
	}
	decisions, err := meter.Int64Counter(
		"refund_gate.decisions",
		metric.WithDescription("Refund eligibility decisions by state"),
	)
	if err != nil {
		return nil, fmt.Errorf("refund gate: register metric: %w", err)
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

	return &refundGate{
		consents:          deps.Consents,
		exceptions:        deps.Exceptions,
		orders:            deps.Orders,
		guard:             deps.Guard,
		events:            publisher,
		salesFinalEnabled: deps.SalesFinalEnabled,
		checkboxText:      deps.CheckboxText,
		timeout:           timeout,
		decisions:         decisions,
		sanitizer:         bluemonday.StrictPolicy(),
		clock: func() time.Time {
			// Postgres timestamps carry microsecond precision.
			return clock().UTC().Truncate(time.Microsecond)
		},
		logger: logger,
	}, nil
}

// DecideRefund is the gate's decision procedure over the stored records for one order.
// With no consent a refund is allowed. With consent, the newest unprocessed exception allows
// a refund capped at its amount; otherwise the refund is blocked.
func DecideRefund(consent *domain.ConsentRecord, exceptions []domain.RefundException) domain.RefundDecision {
	if consent == nil {
		return domain.RefundDecision{Allowed: true, Reason: ReasonNoConsent, State: domain.RefundStateNoConsent}
	}

	var granted *domain.RefundException
	for i := range exceptions {
		ex := exceptions[i]
		if ex.Processed || ex.OrderID != consent.OrderID {
			continue
		}
		if granted == nil || ex.CreatedAt.After(granted.CreatedAt) {
			granted = &ex
		}
	}
	if granted == nil {
		return domain.RefundDecision{Allowed: false, Reason: ReasonConsentedBlocked, State: domain.RefundStateConsentedNoException}
	}
	limit := granted.RefundAmount
	return domain.RefundDecision{
		Allowed:     true,
		Reason:      ReasonExceptionGranted,
		State:       domain.RefundStateConsentedWithException,
		MaxRefund:   &limit,
		ExceptionID: granted.ID,
	}
}

// consentTextHash is a short sha256 prefix for comparing submitted text in logs.
func consentTextHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:6])
}

func failClosed() domain.RefundDecision {
	return domain.RefundDecision{Allowed: false, Reason: ReasonSystemError, State: domain.RefundStateUnknown}
}

func (g *refundGate) RecordConsent(ctx context.Context, in ConsentInput) (domain.ConsentRecord, error) {
	var missing []string
	if strings.TrimSpace(in.OrderID) == "" {
		missing = append(missing, "orderId")
	}
	if strings.TrimSpace(in.Text) == "" {
		missing = append(missing, "text")
	}
	if in.AcceptedAt.IsZero() {
		missing = append(missing, "acceptedAt")
	}
	if strings.TrimSpace(in.IPAddress) == "" {
		missing = append(missing, "ipAddress")
	}
	if strings.TrimSpace(in.UserAgent) == "" {
		missing = append(missing, "userAgent")
	}
	if len(missing) > 0 {
		return domain.ConsentRecord{}, fmt.Errorf("%w: missing %s", ErrRefundGateInvalidInput, strings.Join(missing, ", "))
	}

	if g.salesFinalEnabled && in.Text != g.checkboxText {
		fields := map[string]any{
			"orderId":      in.OrderID,
			"textLength":   len(in.Text),
			"textHash":     consentTextHash(in.Text),
			"expectedHash": consentTextHash(g.checkboxText),
		}
		if norm.NFC.String(in.Text) == norm.NFC.String(g.checkboxText) {
			fields["normalizationOnly"] = true
		}
		g.logger(ctx, "refund_gate.consent_text.mismatch", fields)
		return domain.ConsentRecord{}, fmt.Errorf("%w: consent text does not match the policy checkbox", ErrRefundGateInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	record, err := g.consents.Insert(ctx, domain.ConsentRecord{
		OrderID:    strings.TrimSpace(in.OrderID),
		UserID:     strings.TrimSpace(in.UserID),
		Email:      strings.TrimSpace(in.Email),
		PolicyText: in.Text,
		AcceptedAt: in.AcceptedAt.UTC(),
		IPAddress:  strings.TrimSpace(in.IPAddress),
		UserAgent:  in.UserAgent,
		CreatedAt:  g.clock(),
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.ConsentRecord{}, fmt.Errorf("%w: consent already recorded for order %s", ErrRefundGateConflict, in.OrderID)
		}
		g.logger(ctx, "refund_gate.consent.failed", map[string]any{"orderId": in.OrderID, "error": err})
		return domain.ConsentRecord{}, fmt.Errorf("%w: record consent: %v", ErrRefundGateUnavailable, err)
	}
	g.logger(ctx, "refund_gate.consent.recorded", map[string]any{"orderId": record.OrderID, "consentId": record.ID})
	return record, nil
}

func (g *refundGate) CreateException(ctx context.Context, in ExceptionInput) (domain.RefundException, error) {
	orderID := strings.TrimSpace(in.OrderID)
	adminID := strings.TrimSpace(in.AdminID)
	reason := strings.TrimSpace(g.sanitizer.Sanitize(in.Reason))
	switch {
	case orderID == "":
		return domain.RefundException{}, fmt.Errorf("%w: order id is required", ErrRefundGateInvalidInput)
	case adminID == "":
		return domain.RefundException{}, fmt.Errorf("%w: admin id is required", ErrRefundGateInvalidInput)
	case reason == "":
		return domain.RefundException{}, fmt.Errorf("%w: reason is required", ErrRefundGateInvalidInput)
	case len([]rune(reason)) > maxExceptionReasonRunes:
		return domain.RefundException{}, fmt.Errorf("%w: reason exceeds %d characters", ErrRefundGateInvalidInput, maxExceptionReasonRunes)
	case !in.Amount.IsPositive():
		return domain.RefundException{}, fmt.Errorf("%w: amount must be greater than zero", ErrRefundGateInvalidInput)
	case !in.Amount.Equal(domain.RoundMoney(in.Amount)):
		return domain.RefundException{}, fmt.Errorf("%w: amount must not have fractional cents", ErrRefundGateInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if g.guard != nil {
		release, err := g.guard.Acquire(ctx, fmt.Sprintf(redisx.KeyRefundException, orderID))
		switch {
		case errors.Is(err, redisx.ErrGuardHeld):
			return domain.RefundException{}, fmt.Errorf("%w: another exception is being created for order %s", ErrRefundGateConflict, orderID)
		case err != nil:
			// Storage uniqueness still rejects duplicates without the guard.
			g.logger(ctx, "refund_gate.guard.warning", map[string]any{"orderId": orderID, "error": err})
		default:
			defer release(context.WithoutCancel(ctx))
		}
	}

	order, err := g.orders.Get(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.RefundException{}, fmt.Errorf("%w: order %s", ErrRefundGateNotFound, orderID)
		}
		return domain.RefundException{}, fmt.Errorf("%w: load order: %v", ErrRefundGateUnavailable, err)
	}
	if in.Amount.GreaterThan(order.Totals.Total) {
		return domain.RefundException{}, fmt.Errorf("%w: amount %s exceeds order total %s",
			ErrRefundGateInvalidInput, in.Amount.StringFixed(2), order.Totals.Total.StringFixed(2))
	}

	exception, err := g.exceptions.Insert(ctx, domain.RefundException{
		OrderID:      orderID,
		AdminID:      adminID,
		Reason:       reason,
		RefundAmount: in.Amount,
		CreatedAt:    g.clock(),
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return domain.RefundException{}, fmt.Errorf("%w: duplicate exception for order %s", ErrRefundGateConflict, orderID)
		}
		g.logger(ctx, "refund_gate.exception.failed", map[string]any{"orderId": orderID, "error": err})
		return domain.RefundException{}, fmt.Errorf("%w: create exception: %v", ErrRefundGateUnavailable, err)
	}

	g.logger(ctx, "refund_gate.exception.created", map[string]any{
		"orderId":     orderID,
		"exceptionId": exception.ID,
		"adminId":     adminID,
		"amount":      exception.RefundAmount.StringFixed(2),
	})
	publishEvent(ctx, g.events, g.logger, events.TypeRefundExceptionCreated, orderID, map[string]any{
		"orderId":     orderID,
		"exceptionId": exception.ID,
		"adminId":     adminID,
		"amount":      exception.RefundAmount.StringFixed(2),
	}, exception.CreatedAt)
	return exception, nil
}

func (g *refundGate) ListExceptions(ctx context.Context, orderID string) ([]domain.RefundException, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrRefundGateInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	exceptions, err := g.exceptions.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: list exceptions: %v", ErrRefundGateUnavailable, err)
	}
	return exceptions, nil
}

func (g *refundGate) Evaluate(ctx context.Context, orderID string) (domain.RefundDecision, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return failClosed(), fmt.Errorf("%w: order id is required", ErrRefundGateInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, err := g.evaluate(ctx, orderID)
	if err != nil {
		g.logger(ctx, "refund_gate.evaluate.unavailable", map[string]any{"orderId": orderID, "error": err})
		decision = failClosed()
		err = fmt.Errorf("%w: %v", ErrRefundGateUnavailable, err)
	}

	g.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", string(decision.State)),
		attribute.Bool("allowed", decision.Allowed),
	))
	if err == nil && !decision.Allowed {
		g.logger(ctx, "refund_gate.evaluate.blocked", map[string]any{"orderId": orderID, "state": decision.State})
	}
	return decision, err
}

func (g *refundGate) evaluate(ctx context.Context, orderID string) (domain.RefundDecision, error) {
	consent, err := g.consents.GetByOrder(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return DecideRefund(nil, nil), nil
		}
		return domain.RefundDecision{}, fmt.Errorf("lookup consent: %w", err)
	}
	exceptions, err := g.exceptions.ListByOrder(ctx, orderID)
	if err != nil {
		return domain.RefundDecision{}, fmt.Errorf("list exceptions: %w", err)
	}
	return DecideRefund(&consent, exceptions), nil
}

func (g *refundGate) MarkProcessed(ctx context.Context, exceptionID string) (domain.RefundException, error) {
	exception, already, err := g.markProcessed(ctx, exceptionID)
	if err != nil {
		return domain.RefundException{}, err
	}
	if already {
		g.logger(ctx, "refund_gate.exception.already_processed", map[string]any{
			"exceptionId": exception.ID,
			"orderId":     exception.OrderID,
		})
		return exception, nil
	}
	g.logger(ctx, "refund_gate.exception.processed", map[string]any{"exceptionId": exception.ID, "orderId": exception.OrderID})
	return exception, nil
}

func (g *refundGate) ClaimException(ctx context.Context, exceptionID string) (domain.RefundException, error) {
	exception, already, err := g.markProcessed(ctx, exceptionID)
	if err != nil {
		return domain.RefundException{}, err
	}
	if already {
		g.logger(ctx, "refund_gate.exception.claim_rejected", map[string]any{
			"exceptionId": exception.ID,
			"orderId":     exception.OrderID,
		})
		return domain.RefundException{}, fmt.Errorf("%w: exception %s was already used", ErrRefundGateConflict, exception.ID)
	}
	g.logger(ctx, "refund_gate.exception.claimed", map[string]any{"exceptionId": exception.ID, "orderId": exception.OrderID})
	return exception, nil
}

func (g *refundGate) ReleaseException(ctx context.Context, exceptionID string) error {
	exceptionID = strings.TrimSpace(exceptionID)
	if exceptionID == "" {
		return fmt.Errorf("%w: exception id is required", ErrRefundGateInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	exception, err := g.exceptions.Reopen(ctx, exceptionID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return fmt.Errorf("%w: no claimed exception %s", ErrRefundGateNotFound, exceptionID)
		}
		return fmt.Errorf("%w: reopen exception: %v", ErrRefundGateUnavailable, err)
	}
	g.logger(ctx, "refund_gate.exception.released", map[string]any{"exceptionId": exception.ID, "orderId": exception.OrderID})
	return nil
}

func (g *refundGate) markProcessed(ctx context.Context, exceptionID string) (domain.RefundException, bool, error) {
	exceptionID = strings.TrimSpace(exceptionID)
	if exceptionID == "" {
		return domain.RefundException{}, false, fmt.Errorf("%w: exception id is required", ErrRefundGateInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	exception, already, err := g.exceptions.MarkProcessed(ctx, exceptionID, g.clock())
	if err != nil {
		if repositories.IsNotFound(err) {
			return domain.RefundException{}, false, fmt.Errorf("%w: exception %s", ErrRefundGateNotFound, exceptionID)
		}
		return domain.RefundException{}, false, fmt.Errorf("%w: mark processed: %v", ErrRefundGateUnavailable, err)
	}
	return exception, already, nil
}

// RefundCap returns the most that may be refunded for order under decision.
func RefundCap(order domain.Order, decision domain.RefundDecision) decimal.Decimal {
	remaining := order.Totals.Total.Sub(order.RefundedAmount)
	if decision.MaxRefund != nil && decision.MaxRefund.LessThan(remaining) {
		return *decision.MaxRefund
	}
	return remaining
}
