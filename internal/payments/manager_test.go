package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeProvider struct {
	lastOp  string
	lastReq RefundRequest
	result  RefundResult
	payment PaymentDetails
	err     error
}

func (f *fakeProvider) Refund(_ context.Context, req RefundRequest) (RefundResult, error) {
	f.lastOp = "refund"
	f.lastReq = req
	return f.result, f.err
}

func (f *fakeProvider) LookupPayment(context.Context, LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func TestManagerRoutesCardToStripe(t *testing.T) {
	stripeProvider := &fakeProvider{result: RefundResult{RefundID: "re_1"}}
	manual := &fakeProvider{result: RefundResult{RefundID: "manual_1"}}
	mgr, err := NewManager(map[string]Provider{ProviderStripe: stripeProvider, ProviderManual: manual})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	res, err := mgr.Refund(context.Background(), PaymentContext{Method: "card"}, RefundRequest{OrderID: "o1", IntentID: "pi_1", Amount: 4500})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Provider != ProviderStripe || res.RefundID != "re_1" {
		t.Fatalf("unexpected result %+v", res)
	}
	if manual.lastOp != "" {
		t.Fatal("manual provider must not be called for card")
	}

	res, err = mgr.Refund(context.Background(), PaymentContext{Method: "zelle"}, RefundRequest{OrderID: "o2", Amount: 1000})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Provider != ProviderManual {
		t.Fatalf("expected manual provider, got %s", res.Provider)
	}
}

func TestManagerPreferredProviderWins(t *testing.T) {
	stripeProvider := &fakeProvider{}
	manual := &fakeProvider{}
	mgr, err := NewManager(map[string]Provider{"Stripe": stripeProvider, "manual": manual})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Refund(context.Background(), PaymentContext{PreferredProvider: "MANUAL", Method: "card"}, RefundRequest{OrderID: "o", Amount: 1}); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if manual.lastOp != "refund" || stripeProvider.lastOp != "" {
		t.Fatalf("expected manual provider to be used")
	}
}

func TestManagerRejectsNonPositiveAmount(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{ProviderManual: &fakeProvider{}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Refund(context.Background(), PaymentContext{}, RefundRequest{OrderID: "o"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestManagerUnsupportedProvider(t *testing.T) {
	mgr, err := NewManager(map[string]Provider{
		"a": &fakeProvider{},
		"b": &fakeProvider{},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.LookupPayment(context.Background(), PaymentContext{Method: "card"}, LookupRequest{IntentID: "pi"}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected unsupported provider, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for empty providers")
	}
	if _, err := NewManager(map[string]Provider{" ": &fakeProvider{}}); err == nil {
		t.Fatal("expected error for blank key")
	}
}

func TestManualProviderRefund(t *testing.T) {
	now := time.Date(2026, time.August, 1, 10, 0, 0, 0, time.UTC)
	var events []string
	p := NewManualProvider(func() time.Time { return now }, func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	})

	res, err := p.Refund(context.Background(), RefundRequest{OrderID: "o1", Amount: 2500})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.Status != StatusRefunded || res.Amount != 2500 || !res.CreatedAt.Equal(now) {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.RefundID) != len("manual_")+26 {
		t.Fatalf("unexpected refund id %q", res.RefundID)
	}
	if len(events) != 1 {
		t.Fatalf("expected one log event, got %v", events)
	}

	if _, err := p.Refund(context.Background(), RefundRequest{Amount: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := p.LookupPayment(context.Background(), LookupRequest{}); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported operation, got %v", err)
	}
}
