package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
)

// IntentRequest opens a payment intent with the PSP. Amounts are minor
// units; adapters convert to whatever decimal format their PSP wants.
type IntentRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	CustomerID     string
	IdempotencyKey string
}

type IntentResponse struct {
	ProviderRef  string
	ClientSecret string
	Status       string
	RedirectURL  string
	Raw          json.RawMessage
}

// AuthorizeRequest places an authorization hold against an intent.
type AuthorizeRequest struct {
	ProviderRef    string
	Amount         int64
	Currency       string
	CardNumber     string // validated, fingerprinted, never persisted
	CardExpiry     string
	CardHolder     string
	IdempotencyKey string
}

// AuthorizeResponse is either a completed authorization or a 3-D Secure
// challenge the client must complete before the hold exists.
type AuthorizeResponse struct {
	ProviderTxID   string
	RequiresAction bool
	RedirectURL    string
	Raw            json.RawMessage
}

type CaptureRequest struct {
	ProviderTxID   string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type CaptureResponse struct {
	ProviderTxID string
	Raw          json.RawMessage
}

// ReleaseRequest pays escrowed funds out. The orchestrator computes the
// split; the adapter performs the PSP-side capture/transfer.
type ReleaseRequest struct {
	ProviderTxID   string
	TotalAmount    int64
	Commission     int64
	SupplierAmount int64
	SupplierID     string
	Currency       string
	IdempotencyKey string
}

type ReleaseResponse struct {
	ProviderTxID string
	Raw          json.RawMessage
}

type RefundRequest struct {
	ProviderTxID   string
	Amount         int64
	Currency       string
	Reason         string
	IdempotencyKey string
}

type RefundResponse struct {
	ProviderRefundID string
	Raw              json.RawMessage
}

// WebhookEvent is a PSP notification normalised into engine vocabulary.
// EventID is the dedup key for idempotent handling. Refund events also carry
// the PSP's refund id, so an event echoing an engine-initiated refund can be
// recognised as already applied.
type WebhookEvent struct {
	EventID          string
	Type             WebhookEventType
	ProviderTxID     string
	ProviderRefundID string
	Amount           int64
	Currency         string
	Raw              json.RawMessage
}

type WebhookEventType string

const (
	EventPaymentAuthorized WebhookEventType = "payment.authorized"
	EventPaymentCaptured   WebhookEventType = "payment.captured"
	EventPaymentFailed     WebhookEventType = "payment.failed"
	EventPaymentCancelled  WebhookEventType = "payment.cancelled"
	EventRefundSucceeded   WebhookEventType = "refund.succeeded"
	EventRefundFailed      WebhookEventType = "refund.failed"
)

// Provider is the contract every PSP integration implements. It is
// deliberately provider-agnostic: a second PSP or a deterministic test
// double substitutes without touching the orchestrator. Every write carries
// the caller's idempotency key, forwarded to the PSP.
type Provider interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*IntentResponse, error)
	AuthorizePayment(ctx context.Context, req AuthorizeRequest) (*AuthorizeResponse, error)
	CapturePayment(ctx context.Context, req CaptureRequest) (*CaptureResponse, error)
	ReleaseFromEscrow(ctx context.Context, req ReleaseRequest) (*ReleaseResponse, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*RefundResponse, error)

	// ValidateWebhookSignature must reject before any parsing happens.
	ValidateWebhookSignature(rawBody []byte, header http.Header) error
	ParseWebhookEvent(rawBody []byte) (*WebhookEvent, error)
}

// ApplyWebhookEvent maps a normalised event onto the state machine. Shared
// by all adapters so the transition vocabulary stays in one place. The
// returned bool is false when the event was a stale no-op (already applied).
func ApplyWebhookEvent(tx *domain.PaymentTransaction, ev *WebhookEvent) (bool, error) {
	switch ev.Type {
	case EventPaymentAuthorized:
		if tx.Status == domain.StatusAuthorized {
			return false, nil
		}
		return true, tx.Authorize()
	case EventPaymentCaptured:
		if tx.Status == domain.StatusCaptured {
			return false, nil
		}
		amount := ev.Amount
		if amount == 0 {
			amount = tx.Amount
		}
		return true, tx.Capture(amount)
	case EventPaymentFailed:
		if tx.Status == domain.StatusFailed {
			return false, nil
		}
		return true, tx.Fail()
	case EventPaymentCancelled:
		if tx.Status == domain.StatusCancelled {
			return false, nil
		}
		return true, tx.Cancel()
	case EventRefundSucceeded:
		return true, tx.Refund(ev.Amount)
	case EventRefundFailed:
		// No state change: the refund request row carries the failure.
		return false, nil
	}
	return false, domain.NewPaymentError(domain.ErrCodeProviderError, "unknown webhook event type "+string(ev.Type), nil)
}

// Timeout is the default deadline adapters put on outbound PSP calls when
// the composition root does not override it.
const Timeout = 15 * time.Second
