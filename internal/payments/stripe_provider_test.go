package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeStripeRefunds struct {
	params *stripe.RefundParams
	refund *stripe.Refund
	err    error
}

func (f *fakeStripeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return f.refund, f.err
}

type fakeStripeIntents struct {
	intent *stripe.PaymentIntent
}

func (f *fakeStripeIntents) Get(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.intent, nil
}

func TestStripeProviderRefund(t *testing.T) {
	refunds := &fakeStripeRefunds{refund: &stripe.Refund{ID: "re_123", Amount: 3000, Status: stripe.RefundStatusSucceeded, Created: 1767225600}}
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: &fakeStripeIntents{}, refunds: refunds},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	res, err := provider.Refund(context.Background(), RefundRequest{
		OrderID:        "o1",
		IntentID:       "pi_1",
		Amount:         3000,
		Reason:         "requested_by_customer",
		IdempotencyKey: "refund:o1:ex1",
	})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if res.RefundID != "re_123" || res.Status != StatusRefunded || res.Amount != 3000 {
		t.Fatalf("unexpected result %+v", res)
	}
	if refunds.params.IdempotencyKey == nil || *refunds.params.IdempotencyKey != "refund:o1:ex1" {
		t.Fatalf("idempotency key not forwarded")
	}
	if *refunds.params.Amount != 3000 || *refunds.params.Reason != "requested_by_customer" {
		t.Fatalf("unexpected params %+v", refunds.params)
	}
	if refunds.params.Metadata["orderId"] != "o1" {
		t.Fatalf("expected order metadata, got %v", refunds.params.Metadata)
	}
}

func TestStripeProviderRefundRequiresIntent(t *testing.T) {
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: &fakeStripeIntents{}, refunds: &fakeStripeRefunds{}},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.Refund(context.Background(), RefundRequest{OrderID: "o1", Amount: 1}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestStripeProviderLookupMapsStatus(t *testing.T) {
	intent := &stripe.PaymentIntent{
		ID:       "pi_1",
		Amount:   4500,
		Currency: "usd",
		Status:   stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			Amount: 4500, AmountRefunded: 4500, Refunded: true, Paid: true, Created: 1767225600,
		},
	}
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clients: &stripeClients{intents: &fakeStripeIntents{intent: intent}, refunds: &fakeStripeRefunds{}},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	details, err := provider.LookupPayment(context.Background(), LookupRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusRefunded || details.Currency != "USD" || !details.Captured {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
}

func signPayload(secret string, payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhookVerifierParsesPaymentIntent(t *testing.T) {
	verifier, err := NewStripeWebhookVerifier("whsec_test")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","created":1767225600,
		"data":{"object":{"id":"pi_1","object":"payment_intent","amount":4500,"amount_received":4500,"currency":"usd","metadata":{"orderId":"o1"}}}}`)

	event, err := verifier.Parse(payload, signPayload("whsec_test", payload, time.Now()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if event.Type != EventPaymentIntentSucceeded || event.IntentID != "pi_1" || event.Amount != 4500 {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["orderId"] != "o1" || event.Currency != "USD" {
		t.Fatalf("unexpected metadata %+v", event)
	}
}

func TestStripeWebhookVerifierRejectsBadSignature(t *testing.T) {
	verifier, err := NewStripeWebhookVerifier("whsec_test")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{}}}`)

	if _, err := verifier.Parse(payload, signPayload("whsec_other", payload, time.Now())); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
	stale := time.Now().Add(-time.Hour)
	if _, err := verifier.Parse(payload, signPayload("whsec_test", payload, stale)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected stale signature rejection, got %v", err)
	}
	if _, err := NewStripeWebhookVerifier(" "); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
