package handlers

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/payments"
	"github.com/sgwear/storefront/internal/services"
)

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

type stubCatalogService struct {
	listFn func(context.Context, services.ProductListFilter) ([]domain.Product, error)
	getFn  func(context.Context, string) (domain.Product, error)
}

func (s *stubCatalogService) ListProducts(ctx context.Context, filter services.ProductListFilter) ([]domain.Product, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubCatalogService) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	if s.getFn != nil {
		return s.getFn(ctx, productID)
	}
	return domain.Product{}, services.ErrCatalogNotFound
}

type stubQuoteService struct {
	quoteFn    func(context.Context, services.QuoteRequest) (services.CartQuote, error)
	progressFn func(decimal.Decimal) (services.ShippingProgressView, error)
	priceFn    func(decimal.Decimal, domain.PaymentMethod) (services.PriceView, error)
}

func (s *stubQuoteService) Quote(ctx context.Context, req services.QuoteRequest) (services.CartQuote, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, req)
	}
	return services.CartQuote{}, errors.New("not implemented")
}

func (s *stubQuoteService) ShippingProgress(subtotal decimal.Decimal) (services.ShippingProgressView, error) {
	if s.progressFn != nil {
		return s.progressFn(subtotal)
	}
	return services.ShippingProgressView{}, errors.New("not implemented")
}

func (s *stubQuoteService) DisplayPrice(amount decimal.Decimal, method domain.PaymentMethod) (services.PriceView, error) {
	if s.priceFn != nil {
		return s.priceFn(amount, method)
	}
	return services.PriceView{}, errors.New("not implemented")
}

type stubPolicyService struct {
	policy services.SalesFinalPolicy
	err    error
}

func (s *stubPolicyService) SalesFinal(context.Context) (services.SalesFinalPolicy, error) {
	return s.policy, s.err
}

type stubOrderService struct {
	placeFn    func(context.Context, services.PlaceOrderCommand) (services.PlacedOrder, error)
	getFn      func(context.Context, string) (domain.Order, error)
	listFn     func(context.Context, string, int) ([]domain.Order, error)
	markPaidFn func(context.Context, services.MarkPaidCommand) (domain.Order, error)
	refundedFn func(context.Context, services.MarkRefundedCommand) (domain.Order, error)
}

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (services.PlacedOrder, error) {
	if s.placeFn != nil {
		return s.placeFn(ctx, cmd)
	}
	return services.PlacedOrder{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID, limit)
	}
	return nil, nil
}

func (s *stubOrderService) MarkPaid(ctx context.Context, cmd services.MarkPaidCommand) (domain.Order, error) {
	if s.markPaidFn != nil {
		return s.markPaidFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) MarkRefunded(ctx context.Context, cmd services.MarkRefundedCommand) (domain.Order, error) {
	if s.refundedFn != nil {
		return s.refundedFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

type stubRefundGate struct {
	evaluateFn func(context.Context, string) (domain.RefundDecision, error)
	createFn   func(context.Context, services.ExceptionInput) (domain.RefundException, error)
	listFn     func(context.Context, string) ([]domain.RefundException, error)
}

func (s *stubRefundGate) RecordConsent(context.Context, services.ConsentInput) (domain.ConsentRecord, error) {
	return domain.ConsentRecord{}, errors.New("not implemented")
}

func (s *stubRefundGate) CreateException(ctx context.Context, in services.ExceptionInput) (domain.RefundException, error) {
	if s.createFn != nil {
		return s.createFn(ctx, in)
	}
	return domain.RefundException{}, errors.New("not implemented")
}

func (s *stubRefundGate) ListExceptions(ctx context.Context, orderID string) ([]domain.RefundException, error) {
	if s.listFn != nil {
		return s.listFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubRefundGate) Evaluate(ctx context.Context, orderID string) (domain.RefundDecision, error) {
	if s.evaluateFn != nil {
		return s.evaluateFn(ctx, orderID)
	}
	return domain.RefundDecision{}, errors.New("not implemented")
}

func (s *stubRefundGate) MarkProcessed(context.Context, string) (domain.RefundException, error) {
	return domain.RefundException{}, errors.New("not implemented")
}

func (s *stubRefundGate) ClaimException(context.Context, string) (domain.RefundException, error) {
	return domain.RefundException{}, errors.New("not implemented")
}

func (s *stubRefundGate) ReleaseException(context.Context, string) error {
	return errors.New("not implemented")
}

type stubRefundService struct {
	refundFn func(context.Context, services.RefundCommand) (services.RefundOutcome, error)
}

func (s *stubRefundService) Refund(ctx context.Context, cmd services.RefundCommand) (services.RefundOutcome, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.RefundOutcome{}, errors.New("not implemented")
}

type stubConsentExportService struct {
	exportFn func(context.Context, services.ConsentExportCommand) (services.ConsentExportResult, error)
}

func (s *stubConsentExportService) Export(ctx context.Context, cmd services.ConsentExportCommand) (services.ConsentExportResult, error) {
	if s.exportFn != nil {
		return s.exportFn(ctx, cmd)
	}
	return services.ConsentExportResult{}, errors.New("not implemented")
}

type stubStripeParser struct {
	event payments.WebhookEvent
	err   error
	got   []byte
}

func (s *stubStripeParser) Parse(payload []byte, _ string) (payments.WebhookEvent, error) {
	s.got = payload
	return s.event, s.err
}

func mustDecimal(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}
