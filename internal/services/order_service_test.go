package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/repositories"
)

type orderFixture struct {
	svc       OrderService
	products  *memoryProducts
	orders    *memoryOrders
	counters  *memoryCounters
	consents  *memoryConsents
	publisher *recordingPublisher
	logger    *recordingLogger
	now       time.Time
}

func newOrderFixture(t *testing.T, salesFinal bool) *orderFixture {
	t.Helper()
	f := &orderFixture{
		products:  catalogFixture(t),
		counters:  &memoryCounters{},
		consents:  newMemoryConsents(),
		publisher: &recordingPublisher{},
		logger:    &recordingLogger{},
		now:       time.Date(2026, time.August, 3, 9, 30, 0, 0, time.UTC),
	}
	f.orders = newMemoryOrders(f.products)
	clock := func() time.Time { return f.now }

	gate, err := NewRefundGate(RefundGateDeps{
		Consents:          f.consents,
		Exceptions:        &memoryExceptions{},
		Orders:            f.orders,
		SalesFinalEnabled: salesFinal,
		CheckboxText:      checkboxText,
		Clock:             clock,
	})
	require.NoError(t, err)

	ids := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:            f.orders,
		Counters:          f.counters,
		Quotes:            newQuoteService(t, f.products),
		Gate:              gate,
		Events:            f.publisher,
		SalesFinalEnabled: salesFinal,
		CheckboxText:      checkboxText,
		Clock:             clock,
		IDGenerator: func() string {
			ids++
			return "ord-" + string(rune('0'+ids))
		},
		Logger: f.logger.log,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func acceptedConsent() *ConsentAcceptance {
	return &ConsentAcceptance{Accepted: true, Text: checkboxText, IPAddress: "198.51.100.4", UserAgent: "Mozilla/5.0"}
}

func TestPlaceOrder_DecrementsStockAndRecordsConsent(t *testing.T) {
	f := newOrderFixture(t, true)

	placed, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:  "user-1",
		Email:   "buyer@example.com",
		Items:   []domain.CartItem{{ProductID: "tee", Size: "M", Quantity: 1}, {ProductID: "hoodie", Size: "L", Quantity: 1}},
		Consent: acceptedConsent(),
	})
	require.NoError(t, err)

	order := placed.Order
	assert.Equal(t, "ord-1", order.ID)
	assert.Equal(t, "SG-000001", order.Number)
	assert.Equal(t, domain.PaymentStatusPending, order.PaymentStatus)
	assert.Equal(t, domain.OrderTypeOnline, order.Type)
	assert.True(t, order.Totals.Consistent())
	assert.True(t, order.Totals.Subtotal.Equal(dec(t, "95")))
	assert.True(t, order.Totals.Discount.Equal(dec(t, "4.75")))
	assert.Equal(t, placed.Quote.RewardUnits, order.RewardUnits)
	require.Len(t, order.Items, 2)

	assert.Equal(t, 4, f.products.products["tee"].Inventory["M"])
	assert.Equal(t, 0, f.products.products["hoodie"].Inventory["L"])

	require.NotNil(t, placed.Consent)
	assert.Equal(t, "ord-1", placed.Consent.OrderID)
	assert.Equal(t, "buyer@example.com", placed.Consent.Email)
	assert.Equal(t, checkboxText, placed.Consent.PolicyText)
	assert.Equal(t, f.now, placed.Consent.AcceptedAt)

	assert.Equal(t, []string{events.TypeOrderCreated}, f.publisher.types())
}

func TestPlaceOrder_SequentialNumbers(t *testing.T) {
	f := newOrderFixture(t, false)
	for i, want := range []string{"SG-000001", "SG-000002"} {
		placed, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
			GuestEmail: " Guest@Example.com ",
			Items:      []domain.CartItem{{ProductID: "tee", Size: "S", Quantity: 1}},
		})
		require.NoError(t, err, "order %d", i)
		assert.Equal(t, want, placed.Order.Number)
		assert.Equal(t, "guest@example.com", placed.Order.GuestEmail)
		assert.Nil(t, placed.Consent)
	}
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	f := newOrderFixture(t, false)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Items:  []domain.CartItem{{ProductID: "hoodie", Size: "L", Quantity: 2}},
	})
	require.ErrorIs(t, err, ErrOrderInsufficientStock)
	var stockErr *repositories.StockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 1, stockErr.Available)
	assert.Equal(t, 1, f.products.products["hoodie"].Inventory["L"], "stock untouched on failure")
	assert.Empty(t, f.orders.orders)
	assert.Empty(t, f.publisher.types())
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newOrderFixture(t, true)
	items := []domain.CartItem{{ProductID: "tee", Size: "M", Quantity: 1}}

	cases := map[string]PlaceOrderCommand{
		"no customer":         {Items: items, Consent: acceptedConsent()},
		"bad guest email":     {GuestEmail: "not-an-email", Items: items, Consent: acceptedConsent()},
		"no consent":          {UserID: "u", Items: items},
		"consent not checked": {UserID: "u", Items: items, Consent: &ConsentAcceptance{Text: checkboxText, IPAddress: "1.1.1.1", UserAgent: "ua"}},
		"edited consent text": {UserID: "u", Items: items, Consent: &ConsentAcceptance{Accepted: true, Text: "No refunds", IPAddress: "1.1.1.1", UserAgent: "ua"}},
		"consent without ip":  {UserID: "u", Items: items, Consent: &ConsentAcceptance{Accepted: true, Text: checkboxText, UserAgent: "ua"}},
		"online paid":         {UserID: "u", Items: items, Consent: acceptedConsent(), MarkPaid: true},
		"manual no staff":     {UserID: "u", Items: items, Type: domain.OrderTypeManual},
		"manual card paid":    {UserID: "u", Items: items, Type: domain.OrderTypeManual, CreatedBy: "staff", MarkPaid: true, PaymentMethod: domain.PaymentMethodCard},
		"unknown type":        {UserID: "u", Items: items, Type: "wholesale"},
		"empty cart":          {UserID: "u", Consent: acceptedConsent()},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), cmd)
			require.ErrorIs(t, err, ErrOrderInvalidInput)
		})
	}
	assert.Empty(t, f.orders.orders)
}

func TestPlaceOrder_ManualCashOrderCreatedPaidWithoutConsent(t *testing.T) {
	f := newOrderFixture(t, true)

	placed, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		GuestEmail:    "popup@example.com",
		Items:         []domain.CartItem{{ProductID: "tee", Size: "S", Quantity: 1}},
		PaymentMethod: domain.PaymentMethodCash,
		Type:          domain.OrderTypeManual,
		MarkPaid:      true,
		CreatedBy:     "staff-1",
		Notes:         " pop-up sale ",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, placed.Order.PaymentStatus)
	require.NotNil(t, placed.Order.PaidAt)
	assert.Equal(t, "pop-up sale", placed.Order.Notes)
	assert.Nil(t, placed.Consent)
	assert.Empty(t, f.consents.byOrder)
}

func TestPlaceOrder_ConsentFailureAbortsCheckout(t *testing.T) {
	f := newOrderFixture(t, true)
	f.consents.err = errBackendDown
	cmd := PlaceOrderCommand{
		UserID:  "user-1",
		Items:   []domain.CartItem{{ProductID: "tee", Size: "M", Quantity: 1}},
		Consent: acceptedConsent(),
	}

	_, err := f.svc.PlaceOrder(context.Background(), cmd)
	require.ErrorIs(t, err, ErrOrderUnavailable)
	assert.Empty(t, f.orders.orders, "no order may exist without its consent record")
	assert.Equal(t, 5, f.products.products["tee"].Inventory["M"])
	assert.Empty(t, f.publisher.types())
	assert.True(t, f.logger.has("order.consent.failed"))

	f.consents.err = nil
	cmd.Consent = acceptedConsent()
	placed, err := f.svc.PlaceOrder(context.Background(), cmd)
	require.NoError(t, err)
	require.NotNil(t, placed.Consent)
	assert.Contains(t, f.consents.byOrder, placed.Order.ID)
}

func TestPlaceOrder_AcceptedAtComesFromServerClock(t *testing.T) {
	f := newOrderFixture(t, true)

	placed, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		GuestEmail: "buyer@example.com",
		Items:      []domain.CartItem{{ProductID: "tee", Size: "M", Quantity: 1}},
		Consent:    acceptedConsent(),
	})
	require.NoError(t, err)
	require.NotNil(t, placed.Consent)
	assert.Equal(t, f.now, placed.Consent.AcceptedAt)
	assert.Equal(t, placed.Order.CreatedAt, placed.Consent.AcceptedAt)
}

func TestPlaceOrder_StockFailureAfterConsentIsLogged(t *testing.T) {
	f := newOrderFixture(t, true)

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:  "user-1",
		Items:   []domain.CartItem{{ProductID: "hoodie", Size: "L", Quantity: 2}},
		Consent: acceptedConsent(),
	})
	require.ErrorIs(t, err, ErrOrderInsufficientStock)
	assert.Empty(t, f.orders.orders)
	assert.True(t, f.logger.has("order.consent.orphaned"))
}

func TestPlaceOrder_CounterUnavailable(t *testing.T) {
	f := newOrderFixture(t, false)
	f.counters.err = errBackendDown

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Items:  []domain.CartItem{{ProductID: "tee", Size: "M", Quantity: 1}},
	})
	require.ErrorIs(t, err, ErrOrderUnavailable)
	assert.Equal(t, 5, f.products.products["tee"].Inventory["M"])
}

func placePendingOrder(t *testing.T, f *orderFixture) domain.Order {
	t.Helper()
	placed, err := f.svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID: "user-1",
		Items:  []domain.CartItem{{ProductID: "hoodie", Size: "M", Quantity: 1}, {ProductID: "tee", Size: "M", Quantity: 1}},
	})
	require.NoError(t, err)
	return placed.Order
}

func TestMarkPaid_IsIdempotent(t *testing.T) {
	f := newOrderFixture(t, false)
	order := placePendingOrder(t, f)
	paidAt := f.now.Add(time.Minute)

	paid, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID, PaymentIntentID: "pi_123", PaidAt: paidAt})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, paid.PaymentStatus)
	assert.Equal(t, "pi_123", paid.PaymentIntentID)
	require.NotNil(t, paid.PaidAt)
	assert.Equal(t, paidAt, *paid.PaidAt)

	again, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID, PaymentIntentID: "pi_123"})
	require.NoError(t, err)
	assert.Equal(t, paidAt, *again.PaidAt)
	assert.True(t, f.logger.has("order.paid.already_processed"))

	_, err = f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID, PaymentIntentID: "pi_other"})
	require.NoError(t, err)
	assert.True(t, f.logger.has("order.payment_intent.mismatch"))

	assert.Equal(t, []string{events.TypeOrderCreated, events.TypeOrderPaid}, f.publisher.types())
}

func TestMarkPaid_Errors(t *testing.T) {
	f := newOrderFixture(t, false)

	_, err := f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: "missing"})
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.svc.MarkPaid(context.Background(), MarkPaidCommand{})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	order := placePendingOrder(t, f)
	_, err = f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID})
	require.NoError(t, err)
	_, err = f.svc.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, Amount: order.Totals.Total})
	require.NoError(t, err)

	_, err = f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID})
	require.ErrorIs(t, err, ErrOrderConflict)
}

func TestMarkRefunded_Transitions(t *testing.T) {
	f := newOrderFixture(t, false)
	order := placePendingOrder(t, f)

	_, err := f.svc.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, Amount: dec(t, "10")})
	require.ErrorIs(t, err, ErrOrderConflict, "pending orders cannot be refunded")

	_, err = f.svc.MarkPaid(context.Background(), MarkPaidCommand{OrderID: order.ID})
	require.NoError(t, err)

	_, err = f.svc.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, Amount: dec(t, "0")})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	refunded, err := f.svc.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, Amount: dec(t, "30")})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, refunded.PaymentStatus)
	assert.True(t, refunded.RefundedAmount.Equal(dec(t, "30")))
	assert.True(t, refunded.Totals.Total.Equal(order.Totals.Total), "stored total never changes")

	remaining := order.Totals.Total.Sub(dec(t, "30"))
	_, err = f.svc.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, Amount: remaining.Add(dec(t, "0.01"))})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	refunded, err = f.svc.MarkRefunded(context.Background(), MarkRefundedCommand{OrderID: order.ID, Amount: remaining})
	require.NoError(t, err)
	assert.True(t, refunded.RefundedAmount.Equal(order.Totals.Total))
}

func TestListAndGetOrders(t *testing.T) {
	f := newOrderFixture(t, false)
	order := placePendingOrder(t, f)

	got, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.Number, got.Number)

	_, err = f.svc.GetOrder(context.Background(), "missing")
	require.ErrorIs(t, err, ErrOrderNotFound)

	list, err := f.svc.ListOrders(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = f.svc.ListOrders(context.Background(), "", 10)
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}
