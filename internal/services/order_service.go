package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/repositories"
)

const (
	orderCounterID    = "orders"
	orderNumberFormat = "SG-%06d"
	defaultOrderLimit = 20
	maxOrderLimit     = 100
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a payment status transition that is not allowed from the current state.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInsufficientStock indicates the inventory re-check refused a line.
	ErrOrderInsufficientStock = errors.New("order: insufficient stock")
	// ErrOrderUnavailable indicates a storage failure. Callers may retry.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Counters repositories.CounterRepository
	Quotes   CartQuoteService
	Gate     RefundGate
	Events   events.Publisher
	// SalesFinalEnabled requires online checkouts to carry an accepted consent with CheckboxText.
	SalesFinalEnabled bool
	CheckboxText      string
	Clock             func() time.Time
	IDGenerator       func() string
	Logger            Logger
}

type orderService struct {
	orders            repositories.OrderRepository
	counters          repositories.CounterRepository
	quotes            CartQuoteService
	gate              RefundGate
	events            events.Publisher
	salesFinalEnabled bool
	checkboxText      string
	clock             func() time.Time
	newID             func() string
	logger            Logger
}

var _ OrderService = (*orderService)(nil)

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Quotes == nil {
		return nil, errors.New("order service: quote service is required")
	}
	if deps.SalesFinalEnabled && deps.Gate == nil {
		return nil, errors.New("order service: refund gate is required when sales-final is enabled")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger
	}

	return &orderService{
		orders:            deps.Orders,
		counters:          deps.Counters,
		quotes:            deps.Quotes,
		gate:              deps.Gate,
		events:            publisher,
		salesFinalEnabled: deps.SalesFinalEnabled,
		checkboxText:      deps.CheckboxText,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlacedOrder, error) {
	orderType, err := s.validatePlaceOrder(&cmd)
	if err != nil {
		return PlacedOrder{}, err
	}

	quote, err := s.quotes.Quote(ctx, QuoteRequest{Items: cmd.Items, PaymentMethod: cmd.PaymentMethod})
	if err != nil {
		switch {
		case errors.Is(err, ErrQuoteInvalidInput):
			return PlacedOrder{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		default:
			return PlacedOrder{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	seq, err := s.counters.Next(ctx, orderCounterID, 1)
	if err != nil {
		s.logger(ctx, "order.number.failed", map[string]any{"error": err})
		return PlacedOrder{}, fmt.Errorf("%w: allocate order number: %v", ErrOrderUnavailable, err)
	}

	now := s.clock()
	order := domain.Order{
		ID:                    s.newID(),
		Number:                fmt.Sprintf(orderNumberFormat, seq),
		UserID:                cmd.UserID,
		GuestEmail:            cmd.GuestEmail,
		Items:                 make([]domain.OrderItem, 0, len(quote.Lines)),
		Totals:                quote.Totals(),
		BundleDiscountPercent: quote.BundleDiscountPercent,
		LoyaltyDiscount:       quote.LoyaltyDiscount,
		RewardUnits:           quote.RewardUnits,
		PaymentMethod:         quote.PaymentMethod,
		PaymentStatus:         domain.PaymentStatusPending,
		Type:                  orderType,
		RefundedAmount:        decimal.Zero,
		Notes:                 strings.TrimSpace(cmd.Notes),
		CreatedBy:             cmd.CreatedBy,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if cmd.MarkPaid {
		order.PaymentStatus = domain.PaymentStatusPaid
		order.PaidAt = &now
	}
	decrements := make([]repositories.StockDecrement, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		order.Items = append(order.Items, domain.OrderItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Size:      line.Size,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
		decrements = append(decrements, repositories.StockDecrement{
			ProductID: line.ProductID,
			Size:      line.Size,
			Quantity:  line.Quantity,
		})
	}

	// Consent is stored before the order commits so a consented order always has its record.
	var consent *domain.ConsentRecord
	if s.salesFinalEnabled && orderType == domain.OrderTypeOnline {
		email := order.GuestEmail
		if email == "" {
			email = cmd.Email
		}
		record, err := s.gate.RecordConsent(ctx, ConsentInput{
			OrderID:    order.ID,
			UserID:     order.UserID,
			Email:      email,
			Text:       cmd.Consent.Text,
			AcceptedAt: now,
			IPAddress:  cmd.Consent.IPAddress,
			UserAgent:  cmd.Consent.UserAgent,
		})
		if err != nil {
			s.logger(ctx, "order.consent.failed", map[string]any{"orderId": order.ID, "error": err})
			switch {
			case errors.Is(err, ErrRefundGateInvalidInput):
				return PlacedOrder{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
			case errors.Is(err, ErrRefundGateConflict):
				return PlacedOrder{}, fmt.Errorf("%w: %v", ErrOrderConflict, err)
			default:
				return PlacedOrder{}, fmt.Errorf("%w: record consent: %v", ErrOrderUnavailable, err)
			}
		}
		consent = &record
	}

	created, err := s.orders.Create(ctx, order, decrements)
	if err != nil {
		if consent != nil {
			// The consent row outlives the failed order; nothing can be refunded against it.
			s.logger(ctx, "order.consent.orphaned", map[string]any{"orderId": order.ID, "consentId": consent.ID})
		}
		var stockErr *repositories.StockError
		switch {
		case errors.As(err, &stockErr):
			s.logger(ctx, "order.stock.blocked", map[string]any{
				"productId": stockErr.ProductID,
				"size":      stockErr.Size,
				"code":      string(stockErr.Code),
			})
			return PlacedOrder{}, fmt.Errorf("%w: %w", ErrOrderInsufficientStock, stockErr)
		case repositories.IsConflict(err):
			return PlacedOrder{}, fmt.Errorf("%w: order %s already exists", ErrOrderConflict, order.ID)
		default:
			s.logger(ctx, "order.create.failed", map[string]any{"orderId": order.ID, "error": err})
			return PlacedOrder{}, fmt.Errorf("%w: create order: %v", ErrOrderUnavailable, err)
		}
	}

	placed := PlacedOrder{Order: created, Quote: quote, Consent: consent}
	s.logger(ctx, "order.created", map[string]any{
		"orderId":     created.ID,
		"orderNumber": created.Number,
		"total":       created.Totals.Total.StringFixed(2),
		"type":        string(created.Type),
	})
	publishEvent(ctx, s.events, s.logger, events.TypeOrderCreated, created.ID, orderEventPayload(events.TypeOrderCreated, created, now), now)
	return placed, nil
}

func (s *orderService) validatePlaceOrder(cmd *PlaceOrderCommand) (domain.OrderType, error) {
	orderType := domain.OrderType(strings.TrimSpace(string(cmd.Type)))
	if orderType == "" {
		orderType = domain.OrderTypeOnline
	}
	if orderType != domain.OrderTypeOnline && orderType != domain.OrderTypeManual {
		return "", fmt.Errorf("%w: unsupported order type %q", ErrOrderInvalidInput, orderType)
	}

	cmd.UserID = strings.TrimSpace(cmd.UserID)
	cmd.GuestEmail = strings.ToLower(strings.TrimSpace(cmd.GuestEmail))
	cmd.Email = strings.TrimSpace(cmd.Email)
	cmd.CreatedBy = strings.TrimSpace(cmd.CreatedBy)
	if cmd.UserID == "" && cmd.GuestEmail == "" {
		return "", fmt.Errorf("%w: a signed-in user or guest email is required", ErrOrderInvalidInput)
	}
	if cmd.GuestEmail != "" {
		if _, err := mail.ParseAddress(cmd.GuestEmail); err != nil {
			return "", fmt.Errorf("%w: guest email is invalid", ErrOrderInvalidInput)
		}
	}

	method, err := normalizePaymentMethod(cmd.PaymentMethod)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	cmd.PaymentMethod = method

	switch orderType {
	case domain.OrderTypeManual:
		if cmd.CreatedBy == "" {
			return "", fmt.Errorf("%w: manual orders require the staff member who entered them", ErrOrderInvalidInput)
		}
		if cmd.MarkPaid && method == domain.PaymentMethodCard {
			return "", fmt.Errorf("%w: card orders are marked paid by the payment processor", ErrOrderInvalidInput)
		}
	case domain.OrderTypeOnline:
		if cmd.MarkPaid {
			return "", fmt.Errorf("%w: online orders cannot be created paid", ErrOrderInvalidInput)
		}
		if s.salesFinalEnabled {
			if cmd.Consent == nil || !cmd.Consent.Accepted {
				return "", fmt.Errorf("%w: the sales-final policy must be accepted", ErrOrderInvalidInput)
			}
			if cmd.Consent.Text != s.checkboxText {
				return "", fmt.Errorf("%w: consent text does not match the policy checkbox", ErrOrderInvalidInput)
			}
			if strings.TrimSpace(cmd.Consent.IPAddress) == "" || strings.TrimSpace(cmd.Consent.UserAgent) == "" {
				return "", fmt.Errorf("%w: consent requires the client ip address and user agent", ErrOrderInvalidInput)
			}
		}
	}
	return orderType, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(orderID, err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	switch {
	case limit <= 0:
		limit = defaultOrderLimit
	case limit > maxOrderLimit:
		limit = maxOrderLimit
	}
	orders, err := s.orders.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", ErrOrderUnavailable, err)
	}
	return orders, nil
}

func (s *orderService) MarkPaid(ctx context.Context, cmd MarkPaidCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(orderID, err)
	}
	switch current.PaymentStatus {
	case domain.PaymentStatusPaid:
		s.alreadyPaid(ctx, current, cmd.PaymentIntentID)
		return current, nil
	case domain.PaymentStatusRefunded:
		return domain.Order{}, fmt.Errorf("%w: order %s is refunded", ErrOrderConflict, orderID)
	}

	now := s.clock()
	paidAt := cmd.PaidAt.UTC()
	if cmd.PaidAt.IsZero() {
		paidAt = now
	}
	updated, err := s.orders.UpdatePayment(ctx, orderID, repositories.PaymentUpdate{
		From:            []domain.PaymentStatus{domain.PaymentStatusPending},
		To:              domain.PaymentStatusPaid,
		PaymentIntentID: strings.TrimSpace(cmd.PaymentIntentID),
		PaidAt:          &paidAt,
		UpdatedAt:       now,
	})
	if err != nil {
		if repositories.IsConflict(err) {
			// A concurrent webhook may have settled the order first.
			latest, getErr := s.orders.Get(ctx, orderID)
			if getErr == nil && latest.PaymentStatus == domain.PaymentStatusPaid {
				s.alreadyPaid(ctx, latest, cmd.PaymentIntentID)
				return latest, nil
			}
		}
		return domain.Order{}, s.mapRepositoryError(orderID, err)
	}

	s.logger(ctx, "order.paid", map[string]any{
		"orderId":         updated.ID,
		"paymentIntentId": updated.PaymentIntentID,
		"actorId":         cmd.ActorID,
		"rewardUnits":     updated.RewardUnits,
	})
	publishEvent(ctx, s.events, s.logger, events.TypeOrderPaid, updated.ID, orderEventPayload(events.TypeOrderPaid, updated, paidAt), paidAt)
	return updated, nil
}

func (s *orderService) alreadyPaid(ctx context.Context, order domain.Order, intentID string) {
	intentID = strings.TrimSpace(intentID)
	if intentID != "" && order.PaymentIntentID != "" && intentID != order.PaymentIntentID {
		s.logger(ctx, "order.payment_intent.mismatch", map[string]any{
			"orderId":        order.ID,
			"storedIntentId": order.PaymentIntentID,
			"intentId":       intentID,
		})
		return
	}
	s.logger(ctx, "order.paid.already_processed", map[string]any{"orderId": order.ID})
}

func (s *orderService) MarkRefunded(ctx context.Context, cmd MarkRefundedCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !cmd.Amount.IsPositive() {
		return domain.Order{}, fmt.Errorf("%w: refund amount must be greater than zero", ErrOrderInvalidInput)
	}
	current, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(orderID, err)
	}
	if current.PaymentStatus == domain.PaymentStatusPending {
		return domain.Order{}, fmt.Errorf("%w: order %s has not been paid", ErrOrderConflict, orderID)
	}
	remaining := current.Totals.Total.Sub(current.RefundedAmount)
	if cmd.Amount.GreaterThan(remaining) {
		return domain.Order{}, fmt.Errorf("%w: refund %s exceeds remaining %s", ErrOrderInvalidInput, cmd.Amount.StringFixed(2), remaining.StringFixed(2))
	}

	now := s.clock()
	refundedAt := cmd.RefundedAt.UTC()
	if cmd.RefundedAt.IsZero() {
		refundedAt = now
	}
	refunded := current.RefundedAmount.Add(cmd.Amount)
	updated, err := s.orders.UpdatePayment(ctx, orderID, repositories.PaymentUpdate{
		From:           []domain.PaymentStatus{domain.PaymentStatusPaid, domain.PaymentStatusRefunded},
		To:             domain.PaymentStatusRefunded,
		RefundedAmount: &refunded,
		RefundedAt:     &refundedAt,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(orderID, err)
	}
	s.logger(ctx, "order.refunded", map[string]any{
		"orderId":  updated.ID,
		"amount":   cmd.Amount.StringFixed(2),
		"refundId": cmd.RefundID,
	})
	return updated, nil
}

func (s *orderService) mapRepositoryError(orderID string, err error) error {
	switch {
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	default:
		return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}
}

// orderEventPayload is the JSON body carried on the order-events topic.
func orderEventPayload(eventType string, order domain.Order, at time.Time) map[string]any {
	return map[string]any{
		"type":        eventType,
		"orderId":     order.ID,
		"orderNumber": order.Number,
		"total":       order.Totals.Total.StringFixed(2),
		"rewardUnits": order.RewardUnits,
		"occurredAt":  at.UTC(),
	}
}
