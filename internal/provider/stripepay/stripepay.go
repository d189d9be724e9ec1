// Package stripepay integrates Stripe through the official SDK. Manual
// capture keeps funds on hold until the engine releases them; payouts to
// suppliers go out as connected-account transfers.
package stripepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
)

const SignatureHeader = "Stripe-Signature"

type Config struct {
	SecretKey     string
	WebhookSecret string
}

type Client struct {
	sc            *client.API
	webhookSecret string
}

func New(cfg Config) *Client {
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return &Client{sc: sc, webhookSecret: cfg.WebhookSecret}
}

func (c *Client) Name() string { return "stripe" }

func (c *Client) CreatePaymentIntent(ctx context.Context, req provider.IntentRequest) (*provider.IntentResponse, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod:      stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("order_id", req.OrderID)
	params.AddMetadata("customer_id", req.CustomerID)

	pi, err := c.sc.PaymentIntents.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return &provider.IntentResponse{
		ProviderRef:  pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Raw:          marshalRaw(pi),
	}, nil
}

func (c *Client) AuthorizePayment(ctx context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	expMonth, expYear, err := parseExpiry(req.CardExpiry)
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCodeInvalidCard, "invalid expiry", err)
	}

	pmParams := &stripe.PaymentMethodParams{
		Type: stripe.String(string(stripe.PaymentMethodTypeCard)),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(strings.ReplaceAll(req.CardNumber, " ", "")),
			ExpMonth: stripe.Int64(expMonth),
			ExpYear:  stripe.Int64(expYear),
		},
	}
	pmParams.Context = ctx
	pm, err := c.sc.PaymentMethods.New(pmParams)
	if err != nil {
		return nil, mapError(err)
	}

	confirmParams := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(pm.ID),
	}
	confirmParams.Context = ctx
	confirmParams.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := c.sc.PaymentIntents.Confirm(req.ProviderRef, confirmParams)
	if err != nil {
		return nil, mapError(err)
	}
	if pi.Status == stripe.PaymentIntentStatusRequiresAction {
		redirect := ""
		if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
			redirect = pi.NextAction.RedirectToURL.URL
		}
		return &provider.AuthorizeResponse{
			ProviderTxID:   pi.ID,
			RequiresAction: true,
			RedirectURL:    redirect,
			Raw:            marshalRaw(pi),
		}, nil
	}
	if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError,
			fmt.Sprintf("unexpected intent status %s after confirm", pi.Status), nil)
	}
	return &provider.AuthorizeResponse{ProviderTxID: pi.ID, Raw: marshalRaw(pi)}, nil
}

func (c *Client) CapturePayment(ctx context.Context, req provider.CaptureRequest) (*provider.CaptureResponse, error) {
	params := &stripe.PaymentIntentCaptureParams{
		AmountToCapture: stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := c.sc.PaymentIntents.Capture(req.ProviderTxID, params)
	if err != nil {
		return nil, mapError(err)
	}
	return &provider.CaptureResponse{ProviderTxID: pi.ID, Raw: marshalRaw(pi)}, nil
}

// ReleaseFromEscrow transfers the supplier's net amount to their connected
// account. The platform commission simply stays on the platform balance.
func (c *Client) ReleaseFromEscrow(ctx context.Context, req provider.ReleaseRequest) (*provider.ReleaseResponse, error) {
	if req.SupplierID == "" {
		return nil, domain.NewPaymentError(domain.ErrCodeConfigurationError, "supplier account id required for transfer", nil)
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.SupplierAmount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.SupplierID),
		TransferGroup: stripe.String(req.ProviderTxID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	tr, err := c.sc.Transfers.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return &provider.ReleaseResponse{ProviderTxID: tr.ID, Raw: marshalRaw(tr)}, nil
}

func (c *Client) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResponse, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ProviderTxID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	ref, err := c.sc.Refunds.New(params)
	if err != nil {
		return nil, mapError(err)
	}
	return &provider.RefundResponse{ProviderRefundID: ref.ID, Raw: marshalRaw(ref)}, nil
}

// ValidateWebhookSignature delegates to the SDK's constant-time check of
// the Stripe-Signature header.
func (c *Client) ValidateWebhookSignature(rawBody []byte, header http.Header) error {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return domain.NewPaymentError(domain.ErrCodeWebhookVerification, "missing signature header", nil)
	}
	if _, err := webhook.ConstructEvent(rawBody, sig, c.webhookSecret); err != nil {
		return domain.NewPaymentError(domain.ErrCodeWebhookVerification, "signature mismatch", err)
	}
	return nil
}

func (c *Client) ParseWebhookEvent(rawBody []byte) (*provider.WebhookEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "malformed webhook payload", err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "webhook payload missing required fields", nil)
	}

	out := &provider.WebhookEvent{EventID: event.ID, Raw: json.RawMessage(rawBody)}

	switch event.Type {
	case "payment_intent.amount_capturable_updated",
		"payment_intent.succeeded",
		"payment_intent.payment_failed",
		"payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "malformed payment_intent object", err)
		}
		out.ProviderTxID = pi.ID
		out.Currency = strings.ToUpper(string(pi.Currency))
		switch event.Type {
		case "payment_intent.amount_capturable_updated":
			out.Type = provider.EventPaymentAuthorized
			out.Amount = pi.AmountCapturable
		case "payment_intent.succeeded":
			out.Type = provider.EventPaymentCaptured
			out.Amount = pi.AmountReceived
		case "payment_intent.payment_failed":
			out.Type = provider.EventPaymentFailed
		case "payment_intent.canceled":
			out.Type = provider.EventPaymentCancelled
		}
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "malformed charge object", err)
		}
		if ch.PaymentIntent != nil {
			out.ProviderTxID = ch.PaymentIntent.ID
		}
		out.Currency = strings.ToUpper(string(ch.Currency))
		out.Type = provider.EventRefundSucceeded
		// The most recent refund is first in the charge's refund list.
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 {
			out.Amount = ch.Refunds.Data[0].Amount
			out.ProviderRefundID = ch.Refunds.Data[0].ID
		} else {
			out.Amount = ch.AmountRefunded
		}
	default:
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "unhandled event type "+string(event.Type), nil)
	}

	return out, nil
}

// errorCodes maps Stripe error codes onto the engine taxonomy.
var errorCodes = map[stripe.ErrorCode]domain.PaymentErrorCode{
	"expired_card":      domain.ErrCodeExpiredCard,
	"incorrect_cvc":     domain.ErrCodeInvalidCVV,
	"invalid_cvc":       domain.ErrCodeInvalidCVV,
	"incorrect_number":  domain.ErrCodeInvalidCard,
	"invalid_number":    domain.ErrCodeInvalidCard,
	"amount_too_large":  domain.ErrCodeInvalidAmount,
	"amount_too_small":  domain.ErrCodeInvalidAmount,
	"idempotency_error": domain.ErrCodeDuplicateTransaction,
}

// declineCodes refines card_declined by the issuer's decline reason.
var declineCodes = map[stripe.DeclineCode]domain.PaymentErrorCode{
	"insufficient_funds": domain.ErrCodeInsufficientFunds,
	"fraudulent":         domain.ErrCodeFraudSuspected,
	"stolen_card":        domain.ErrCodeFraudSuspected,
	"lost_card":          domain.ErrCodeFraudSuspected,
	"expired_card":       domain.ErrCodeExpiredCard,
	"incorrect_cvc":      domain.ErrCodeInvalidCVV,
}

func mapError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return domain.NewPaymentError(domain.ErrCodeNetworkError, "stripe unreachable", err)
	}
	if se.Code == stripe.ErrorCodeCardDeclined {
		if mapped, ok := declineCodes[se.DeclineCode]; ok {
			return domain.NewPaymentError(mapped, se.Msg, err)
		}
		return domain.NewPaymentError(domain.ErrCodeCardDeclined, se.Msg, err)
	}
	if mapped, ok := errorCodes[se.Code]; ok {
		return domain.NewPaymentError(mapped, se.Msg, err)
	}
	switch string(se.Type) {
	case "api_connection_error":
		return domain.NewPaymentError(domain.ErrCodeNetworkError, se.Msg, err)
	case "authentication_error":
		return domain.NewPaymentError(domain.ErrCodeConfigurationError, se.Msg, err)
	}
	return domain.NewPaymentError(domain.ErrCodeProviderError, se.Msg, err)
}

func marshalRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func parseExpiry(expiry string) (month, year int64, err error) {
	parts := strings.Split(expiry, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expiry must be MM/YYYY, got %q", expiry)
	}
	month, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("invalid expiry month %q", parts[0])
	}
	year, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || year < 2000 {
		return 0, 0, fmt.Errorf("invalid expiry year %q", parts[1])
	}
	return month, year, nil
}
