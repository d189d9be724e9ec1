package stripepay

import (
	"errors"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want domain.PaymentErrorCode
	}{
		{
			"card declined with decline reason",
			&stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "insufficient_funds"},
			domain.ErrCodeInsufficientFunds,
		},
		{
			"card declined, unknown reason",
			&stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "do_not_honor"},
			domain.ErrCodeCardDeclined,
		},
		{
			"stolen card",
			&stripe.Error{Code: stripe.ErrorCodeCardDeclined, DeclineCode: "stolen_card"},
			domain.ErrCodeFraudSuspected,
		},
		{
			"expired card",
			&stripe.Error{Code: "expired_card"},
			domain.ErrCodeExpiredCard,
		},
		{
			"idempotency conflict",
			&stripe.Error{Code: "idempotency_error"},
			domain.ErrCodeDuplicateTransaction,
		},
		{
			"authentication error",
			&stripe.Error{Type: "authentication_error"},
			domain.ErrCodeConfigurationError,
		},
		{
			"unknown stripe error",
			&stripe.Error{Code: "something_new"},
			domain.ErrCodeProviderError,
		},
		{
			"transport failure",
			errors.New("connection refused"),
			domain.ErrCodeNetworkError,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := domain.CodeOf(mapError(c.err)); got != c.want {
				t.Errorf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestParseWebhookEvent(t *testing.T) {
	c := New(Config{SecretKey: "sk_test"})

	body := []byte(`{
		"id": "evt_1",
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_1", "currency": "usd", "amount_received": 2500}}
	}`)
	ev, err := c.ParseWebhookEvent(body)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if ev.Type != provider.EventPaymentCaptured || ev.ProviderTxID != "pi_1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Amount != 2500 || ev.Currency != "USD" {
		t.Fatalf("amount/currency = %d %s", ev.Amount, ev.Currency)
	}

	body = []byte(`{
		"id": "evt_2",
		"type": "payment_intent.amount_capturable_updated",
		"data": {"object": {"id": "pi_1", "currency": "usd", "amount_capturable": 2500}}
	}`)
	ev, err = c.ParseWebhookEvent(body)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if ev.Type != provider.EventPaymentAuthorized || ev.Amount != 2500 {
		t.Fatalf("event = %+v", ev)
	}

	body = []byte(`{
		"id": "evt_3",
		"type": "charge.refunded",
		"data": {"object": {
			"id": "ch_1",
			"currency": "usd",
			"amount_refunded": 900,
			"payment_intent": {"id": "pi_1"},
			"refunds": {"data": [{"id": "re_2", "amount": 400}, {"id": "re_1", "amount": 500}]}
		}}
	}`)
	ev, err = c.ParseWebhookEvent(body)
	if err != nil {
		t.Fatalf("ParseWebhookEvent: %v", err)
	}
	if ev.Type != provider.EventRefundSucceeded || ev.ProviderTxID != "pi_1" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Amount != 400 { // newest refund, not the running total
		t.Fatalf("amount = %d, want 400", ev.Amount)
	}
	if ev.ProviderRefundID != "re_2" {
		t.Fatalf("refund id = %s, want re_2", ev.ProviderRefundID)
	}
}

func TestParseWebhookEventRejectsUnhandled(t *testing.T) {
	c := New(Config{SecretKey: "sk_test"})
	cases := []string{
		`not json`,
		`{"id":"","type":"payment_intent.succeeded"}`,
		`{"id":"evt_x","type":"payment_intent.succeeded"}`, // no data envelope
		`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`,
	}
	for _, body := range cases {
		if _, err := c.ParseWebhookEvent([]byte(body)); err == nil {
			t.Errorf("expected error for %s", body)
		}
	}
}

func TestValidateWebhookSignatureRequiresHeader(t *testing.T) {
	c := New(Config{SecretKey: "sk_test", WebhookSecret: "whsec_test"})
	err := c.ValidateWebhookSignature([]byte(`{}`), map[string][]string{})
	if domain.CodeOf(err) != domain.ErrCodeWebhookVerification {
		t.Fatalf("got %v, want verification failure", err)
	}
}

func TestParseExpiry(t *testing.T) {
	m, y, err := parseExpiry("09/2027")
	if err != nil || m != 9 || y != 2027 {
		t.Fatalf("parseExpiry = (%d, %d, %v)", m, y, err)
	}
	for _, bad := range []string{"13/2027", "00/2027", "09/1999", "092027", ""} {
		if _, _, err := parseExpiry(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
