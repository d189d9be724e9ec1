// Package hyperpay integrates the HyperPay (Copy&Pay style) card gateway.
// The wire format is form-encoded requests with JSON responses; amounts
// cross as decimal strings in the currency's full precision.
package hyperpay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/money"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
)

const SignatureHeader = "X-Signature"

type Config struct {
	BaseURL       string
	EntityID      string
	AccessToken   string
	WebhookSecret string
	Timeout       time.Duration
}

type Client struct {
	baseURL       string
	entityID      string
	accessToken   string
	webhookSecret string
	http          *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = provider.Timeout
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://eu-test.oppwa.com"
	}
	return &Client{
		baseURL:       strings.TrimRight(base, "/"),
		entityID:      cfg.EntityID,
		accessToken:   cfg.AccessToken,
		webhookSecret: cfg.WebhookSecret,
		http:          &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return "hyperpay" }

func (c *Client) CreatePaymentIntent(ctx context.Context, req provider.IntentRequest) (*provider.IntentResponse, error) {
	form := url.Values{}
	form.Set("entityId", c.entityID)
	form.Set("amount", money.FormatMinor(req.Amount, req.Currency))
	form.Set("currency", req.Currency)
	form.Set("paymentType", "PA")
	form.Set("merchantTransactionId", req.IdempotencyKey)
	form.Set("customer.merchantCustomerId", req.CustomerID)
	form.Set("customParameters[orderId]", req.OrderID)

	var out gatewayResponse
	raw, err := c.postForm(ctx, "/v1/checkouts", form, &out)
	if err != nil {
		return nil, err
	}
	if err := out.resultError(); err != nil {
		return nil, err
	}
	return &provider.IntentResponse{
		ProviderRef:  out.ID,
		ClientSecret: out.ID,
		Status:       out.Result.Code,
		Raw:          raw,
	}, nil
}

func (c *Client) AuthorizePayment(ctx context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	brand := gatewayBrand(provider.DetectCardBrand(req.CardNumber))
	if brand == "" {
		return nil, domain.NewPaymentError(domain.ErrCodeInvalidCard, "unsupported card brand", nil)
	}
	expMonth, expYear, err := splitExpiry(req.CardExpiry)
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCodeInvalidCard, "invalid expiry", err)
	}

	form := url.Values{}
	form.Set("entityId", c.entityID)
	form.Set("amount", money.FormatMinor(req.Amount, req.Currency))
	form.Set("currency", req.Currency)
	form.Set("paymentType", "PA")
	form.Set("paymentBrand", brand)
	form.Set("card.number", strings.ReplaceAll(req.CardNumber, " ", ""))
	form.Set("card.holder", req.CardHolder)
	form.Set("card.expiryMonth", expMonth)
	form.Set("card.expiryYear", expYear)
	form.Set("merchantTransactionId", req.IdempotencyKey)

	var out gatewayResponse
	raw, err := c.postForm(ctx, "/v1/payments", form, &out)
	if err != nil {
		return nil, err
	}
	if pendingCode.MatchString(out.Result.Code) {
		return &provider.AuthorizeResponse{
			ProviderTxID:   out.ID,
			RequiresAction: true,
			RedirectURL:    out.Redirect.URL,
			Raw:            raw,
		}, nil
	}
	if err := out.resultError(); err != nil {
		return nil, err
	}
	return &provider.AuthorizeResponse{ProviderTxID: out.ID, Raw: raw}, nil
}

func (c *Client) CapturePayment(ctx context.Context, req provider.CaptureRequest) (*provider.CaptureResponse, error) {
	out, raw, err := c.backofficePayment(ctx, req.ProviderTxID, "CP", req.Amount, req.Currency, req.IdempotencyKey, nil)
	if err != nil {
		return nil, err
	}
	return &provider.CaptureResponse{ProviderTxID: out.ID, Raw: raw}, nil
}

func (c *Client) ReleaseFromEscrow(ctx context.Context, req provider.ReleaseRequest) (*provider.ReleaseResponse, error) {
	// HyperPay has no split-transfer primitive: the release is a capture of
	// the full escrowed amount, with the commission split recorded as custom
	// parameters so settlement reports reconcile against the wallet ledger.
	extra := url.Values{}
	extra.Set("customParameters[commission]", money.FormatMinor(req.Commission, req.Currency))
	extra.Set("customParameters[supplierAmount]", money.FormatMinor(req.SupplierAmount, req.Currency))
	extra.Set("customParameters[supplierId]", req.SupplierID)

	out, raw, err := c.backofficePayment(ctx, req.ProviderTxID, "CP", req.TotalAmount, req.Currency, req.IdempotencyKey, extra)
	if err != nil {
		return nil, err
	}
	return &provider.ReleaseResponse{ProviderTxID: out.ID, Raw: raw}, nil
}

func (c *Client) RefundPayment(ctx context.Context, req provider.RefundRequest) (*provider.RefundResponse, error) {
	out, raw, err := c.backofficePayment(ctx, req.ProviderTxID, "RF", req.Amount, req.Currency, req.IdempotencyKey, nil)
	if err != nil {
		return nil, err
	}
	return &provider.RefundResponse{ProviderRefundID: out.ID, Raw: raw}, nil
}

// backofficePayment issues the referenced-payment operations (capture,
// refund, reversal) that all share the /v1/payments/{id} form shape.
func (c *Client) backofficePayment(ctx context.Context, txID, paymentType string, amount int64, currency, idemKey string, extra url.Values) (*gatewayResponse, json.RawMessage, error) {
	if txID == "" {
		return nil, nil, domain.NewPaymentError(domain.ErrCodeConfigurationError, "missing provider transaction id", nil)
	}
	form := url.Values{}
	form.Set("entityId", c.entityID)
	form.Set("paymentType", paymentType)
	form.Set("amount", money.FormatMinor(amount, currency))
	form.Set("currency", currency)
	form.Set("merchantTransactionId", idemKey)
	for k, vs := range extra {
		for _, v := range vs {
			form.Add(k, v)
		}
	}

	var out gatewayResponse
	raw, err := c.postForm(ctx, "/v1/payments/"+url.PathEscape(txID), form, &out)
	if err != nil {
		return nil, nil, err
	}
	if err := out.resultError(); err != nil {
		return nil, nil, err
	}
	return &out, raw, nil
}

// postForm sends one form-encoded request. Referenced operations carry a
// merchantTransactionId, so a single retry on transport failure is safe.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out *gatewayResponse) (json.RawMessage, error) {
	body := form.Encode()
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(body))
		if err != nil {
			return nil, domain.NewPaymentError(domain.ErrCodeConfigurationError, "building request", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", "Bearer "+c.accessToken)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("gateway returned %d", resp.StatusCode)
			continue
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "malformed gateway response", err)
		}
		return raw, nil
	}
	return nil, domain.NewPaymentError(domain.ErrCodeNetworkError, "gateway unreachable", lastErr)
}

// ValidateWebhookSignature recomputes HMAC-SHA256 over the raw body with
// the shared webhook secret and compares in constant time.
func (c *Client) ValidateWebhookSignature(rawBody []byte, header http.Header) error {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return domain.NewPaymentError(domain.ErrCodeWebhookVerification, "missing signature header", nil)
	}
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return domain.NewPaymentError(domain.ErrCodeWebhookVerification, "signature mismatch", nil)
	}
	return nil
}

type webhookPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Payload struct {
		ID           string `json:"id"`
		ReferencedID string `json:"referencedId"`
		PaymentType  string `json:"paymentType"`
		Amount       string `json:"amount"`
		Currency     string `json:"currency"`
		Result      struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"result"`
	} `json:"payload"`
}

// ParseWebhookEvent validates the payload shape explicitly and maps the
// gateway's paymentType/result pair onto engine event types. Malformed
// payloads fail with a typed error; nothing is optional-chained through.
func (c *Client) ParseWebhookEvent(rawBody []byte) (*provider.WebhookEvent, error) {
	var wp webhookPayload
	if err := json.Unmarshal(rawBody, &wp); err != nil {
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "malformed webhook payload", err)
	}
	if wp.ID == "" || wp.Payload.ID == "" || wp.Payload.PaymentType == "" || wp.Payload.Result.Code == "" {
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "webhook payload missing required fields", nil)
	}

	amount := int64(0)
	if wp.Payload.Amount != "" {
		var err error
		amount, err = money.ParseMinor(wp.Payload.Amount, wp.Payload.Currency)
		if err != nil {
			return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "webhook amount unparseable", err)
		}
	}

	succeeded := successCode.MatchString(wp.Payload.Result.Code)
	var eventType provider.WebhookEventType
	switch wp.Payload.PaymentType {
	case "PA":
		if succeeded {
			eventType = provider.EventPaymentAuthorized
		} else {
			eventType = provider.EventPaymentFailed
		}
	case "CP", "DB":
		if succeeded {
			eventType = provider.EventPaymentCaptured
		} else {
			eventType = provider.EventPaymentFailed
		}
	case "RF":
		if succeeded {
			eventType = provider.EventRefundSucceeded
		} else {
			eventType = provider.EventRefundFailed
		}
	case "RV", "CA":
		if succeeded {
			eventType = provider.EventPaymentCancelled
		} else {
			eventType = provider.EventPaymentFailed
		}
	default:
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "unknown webhook paymentType "+wp.Payload.PaymentType, nil)
	}

	// Backoffice notifications (CP/RF/RV/CA) carry their own payment id;
	// referencedId points at the original authorization the engine stored.
	providerTxID := wp.Payload.ID
	if wp.Payload.ReferencedID != "" {
		providerTxID = wp.Payload.ReferencedID
	}
	ev := &provider.WebhookEvent{
		EventID:      wp.ID,
		Type:         eventType,
		ProviderTxID: providerTxID,
		Amount:       amount,
		Currency:     wp.Payload.Currency,
		Raw:          json.RawMessage(rawBody),
	}
	if wp.Payload.PaymentType == "RF" {
		ev.ProviderRefundID = wp.Payload.ID
	}
	return ev, nil
}

type gatewayResponse struct {
	ID     string `json:"id"`
	Result struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"result"`
	Redirect struct {
		URL string `json:"url"`
	} `json:"redirect"`
}

// resultError maps a non-success result code to the engine taxonomy.
func (g *gatewayResponse) resultError() error {
	if successCode.MatchString(g.Result.Code) {
		return nil
	}
	code := MapResultCode(g.Result.Code)
	return domain.NewPaymentError(code, g.Result.Description, fmt.Errorf("gateway result %s", g.Result.Code))
}

func gatewayBrand(brand string) string {
	switch brand {
	case provider.BrandVisa:
		return "VISA"
	case provider.BrandMastercard:
		return "MASTER"
	case provider.BrandAmex:
		return "AMEX"
	case provider.BrandDiscover:
		return "DISCOVER"
	case provider.BrandJCB:
		return "JCB"
	}
	return ""
}

func splitExpiry(expiry string) (month, year string, err error) {
	parts := strings.Split(expiry, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expiry must be MM/YYYY, got %q", expiry)
	}
	month, year = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if len(month) != 2 || len(year) != 4 {
		return "", "", fmt.Errorf("expiry must be MM/YYYY, got %q", expiry)
	}
	return month, year, nil
}
