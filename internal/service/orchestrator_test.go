package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/notify"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/store"
)

// fakeProvider is a deterministic PSP double. Failures are injected per
// operation; webhook signatures validate when X-Signature is "valid".
type fakeProvider struct {
	mu           sync.Mutex
	authorizeErr error
	captureErr   error
	refundErr    error
	releaseErrFn func(req provider.ReleaseRequest) error
	releaseCalls []provider.ReleaseRequest
	refundCalls  []provider.RefundRequest
	intentErr    error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) CreatePaymentIntent(_ context.Context, req provider.IntentRequest) (*provider.IntentResponse, error) {
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	return &provider.IntentResponse{ProviderRef: "pi_" + req.IdempotencyKey}, nil
}

func (f *fakeProvider) AuthorizePayment(_ context.Context, req provider.AuthorizeRequest) (*provider.AuthorizeResponse, error) {
	if f.authorizeErr != nil {
		return nil, f.authorizeErr
	}
	return &provider.AuthorizeResponse{ProviderTxID: "psp_" + req.IdempotencyKey}, nil
}

func (f *fakeProvider) CapturePayment(_ context.Context, req provider.CaptureRequest) (*provider.CaptureResponse, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &provider.CaptureResponse{ProviderTxID: req.ProviderTxID}, nil
}

func (f *fakeProvider) ReleaseFromEscrow(_ context.Context, req provider.ReleaseRequest) (*provider.ReleaseResponse, error) {
	f.mu.Lock()
	f.releaseCalls = append(f.releaseCalls, req)
	f.mu.Unlock()
	if f.releaseErrFn != nil {
		if err := f.releaseErrFn(req); err != nil {
			return nil, err
		}
	}
	return &provider.ReleaseResponse{ProviderTxID: req.ProviderTxID}, nil
}

func (f *fakeProvider) RefundPayment(_ context.Context, req provider.RefundRequest) (*provider.RefundResponse, error) {
	f.mu.Lock()
	f.refundCalls = append(f.refundCalls, req)
	f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return &provider.RefundResponse{ProviderRefundID: "rf_" + req.IdempotencyKey}, nil
}

func (f *fakeProvider) ValidateWebhookSignature(_ []byte, header http.Header) error {
	if header.Get("X-Signature") != "valid" {
		return domain.NewPaymentError(domain.ErrCodeWebhookVerification, "signature mismatch", nil)
	}
	return nil
}

func (f *fakeProvider) ParseWebhookEvent(rawBody []byte) (*provider.WebhookEvent, error) {
	var ev provider.WebhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return nil, domain.NewPaymentError(domain.ErrCodeProviderError, "malformed payload", err)
	}
	ev.Raw = rawBody
	return &ev, nil
}

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Orchestrator, *store.Memory, *fakeProvider, *notify.Recorder) {
	t.Helper()
	psp := &fakeProvider{}
	mem := store.NewMemory()
	rec := &notify.Recorder{}
	orch := NewOrchestrator(psp, mem, rec, nil, Config{
		CommissionRate: decimal.RequireFromString("10"),
		EscrowHoldFor:  72 * time.Hour,
		BatchSize:      100,
		Clock:          func() time.Time { return testNow },
	})
	return orch, mem, psp, rec
}

// capturedTransaction drives a transaction through intent, authorization
// and capture, returning it in CAPTURED.
func capturedTransaction(t *testing.T, orch *Orchestrator, amount int64) *domain.PaymentTransaction {
	t.Helper()
	ctx := context.Background()
	tx, err := orch.ProcessOrder(ctx, "ord-"+t.Name(), amount, "JOD", "cust-1", "sup-1")
	if err != nil {
		t.Fatalf("ProcessOrder: %v", err)
	}
	if _, err := orch.AuthorizePayment(ctx, tx.ID, "4111111111111111", "09/2027", "A Buyer"); err != nil {
		t.Fatalf("AuthorizePayment: %v", err)
	}
	tx, err = orch.CapturePayment(ctx, tx.ID, 0)
	if err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}
	return tx
}

func TestFullLifecycleReleasesWithCommissionSplit(t *testing.T) {
	orch, mem, psp, rec := newTestEngine(t)
	ctx := context.Background()

	tx := capturedTransaction(t, orch, 250_000) // 250.000 JOD
	if tx.Status != domain.StatusCaptured || tx.CapturedAmount != 250_000 {
		t.Fatalf("after capture: %s / %d", tx.Status, tx.CapturedAmount)
	}
	if tx.EscrowReleaseDue == nil || !tx.EscrowReleaseDue.Equal(testNow.Add(72*time.Hour)) {
		t.Fatalf("escrow release due = %v", tx.EscrowReleaseDue)
	}
	if tx.Card.Brand != provider.BrandVisa || tx.Card.Last4 != "1111" {
		t.Fatalf("card fingerprint = %+v", tx.Card)
	}

	if err := orch.ConfirmDelivery(ctx, tx.OrderID, tx.ID, "sup-1"); err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}

	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusReleased {
		t.Fatalf("status = %s, want RELEASED", got.Status)
	}
	if len(psp.releaseCalls) != 1 {
		t.Fatalf("release calls = %d", len(psp.releaseCalls))
	}
	call := psp.releaseCalls[0]
	if call.Commission != 25_000 || call.SupplierAmount != 225_000 {
		t.Fatalf("split = (%d, %d), want (25000, 225000)", call.Commission, call.SupplierAmount)
	}

	wallet, err := mem.GetSupplierWallet(ctx, "sup-1")
	if err != nil {
		t.Fatalf("GetSupplierWallet: %v", err)
	}
	if wallet.Balance != 225_000 {
		t.Fatalf("wallet balance = %d, want 225000", wallet.Balance)
	}
	entries := mem.LedgerEntries("sup-1")
	if len(entries) != 1 || entries[0].Delta != 225_000 {
		t.Fatalf("ledger = %+v", entries)
	}
	if mem.OrderStatus(tx.OrderID) != "completed" {
		t.Fatalf("order status = %s", mem.OrderStatus(tx.OrderID))
	}
	if rec.Count("escrow.released") != 1 {
		t.Fatalf("escrow.released notifications = %d", rec.Count("escrow.released"))
	}

	// Re-confirming a released transaction is a no-op, not a second payout.
	if err := orch.ConfirmDelivery(ctx, tx.OrderID, tx.ID, "sup-1"); err != nil {
		t.Fatalf("repeat ConfirmDelivery: %v", err)
	}
	wallet, _ = mem.GetSupplierWallet(ctx, "sup-1")
	if wallet.Balance != 225_000 {
		t.Fatalf("repeat confirm changed balance to %d", wallet.Balance)
	}
}

func TestProcessOrderProviderFailureCancelsOrder(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	psp.intentErr = domain.NewPaymentError(domain.ErrCodeNetworkError, "gateway unreachable", nil)

	_, err := orch.ProcessOrder(context.Background(), "ord-x", 1000, "JOD", "cust-1", "sup-1")
	if domain.CodeOf(err) != domain.ErrCodeNetworkError {
		t.Fatalf("got %v, want network error", err)
	}
	if mem.OrderStatus("ord-x") != "cancelled" {
		t.Fatalf("order status = %s, want cancelled", mem.OrderStatus("ord-x"))
	}
}

func TestAuthorizeRejectsInvalidCardBeforeProvider(t *testing.T) {
	orch, _, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx, _ := orch.ProcessOrder(ctx, "ord-1", 1000, "JOD", "cust-1", "sup-1")

	psp.authorizeErr = errors.New("provider must not be called")
	_, err := orch.AuthorizePayment(ctx, tx.ID, "4111111111111112", "09/2027", "A Buyer")
	if domain.CodeOf(err) != domain.ErrCodeInvalidCard {
		t.Fatalf("got %v, want invalid card", err)
	}
}

func TestCaptureIsIdempotent(t *testing.T) {
	orch, _, _, _ := newTestEngine(t)
	tx := capturedTransaction(t, orch, 1000)

	again, err := orch.CapturePayment(context.Background(), tx.ID, 0)
	if err != nil {
		t.Fatalf("repeat capture: %v", err)
	}
	if again.Status != domain.StatusCaptured || again.CapturedAmount != 1000 {
		t.Fatalf("repeat capture: %s / %d", again.Status, again.CapturedAmount)
	}
}

func TestPartialRefundLeavesResidualLive(t *testing.T) {
	orch, mem, _, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 100)

	if _, err := orch.RefundPayment(ctx, tx.ID, 75, "customer returned item"); err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusPartiallyRefunded || got.Remaining() != 25 {
		t.Fatalf("after partial refund: %s remaining=%d", got.Status, got.Remaining())
	}

	// The residual still releases.
	if err := orch.ConfirmDelivery(ctx, got.OrderID, got.ID, "sup-1"); err != nil {
		t.Fatalf("release of residual: %v", err)
	}
	wallet, _ := mem.GetSupplierWallet(ctx, "sup-1")
	if wallet.Balance != 22 { // 25 less 10% commission (2.5 rounds up to 3)
		t.Fatalf("wallet balance = %d, want 22", wallet.Balance)
	}
}

func TestRequestRefundChecksBalanceBeforeProvider(t *testing.T) {
	orch, _, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 100)

	if _, err := orch.RequestRefund(ctx, tx.ID, 60, "damaged", "cust-1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// 60 pending + 50 requested > 100 captured.
	_, err := orch.RequestRefund(ctx, tx.ID, 50, "damaged", "cust-1")
	if !errors.Is(err, domain.ErrAmountExceedsBalance) {
		t.Fatalf("got %v, want ErrAmountExceedsBalance", err)
	}
	if len(psp.refundCalls) != 0 {
		t.Fatalf("provider refund called %d times before scheduling", len(psp.refundCalls))
	}
}

func TestDisputeFreezesAndResolves(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 1000)

	d, err := orch.HandleDispute(ctx, tx.OrderID, tx.ID, "item not delivered", []string{"photo.jpg"})
	if err != nil {
		t.Fatalf("HandleDispute: %v", err)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusDisputed {
		t.Fatalf("status = %s, want DISPUTED", got.Status)
	}

	// Opening again returns the same dispute instead of failing.
	d2, err := orch.HandleDispute(ctx, tx.OrderID, tx.ID, "again", nil)
	if err != nil || d2.ID != d.ID {
		t.Fatalf("duplicate dispute: %+v, %v", d2, err)
	}

	// Direct release is blocked while disputed.
	err = orch.ConfirmDelivery(ctx, tx.OrderID, tx.ID, "sup-1")
	var te *domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("release while disputed: got %v, want TransitionError", err)
	}

	// Resolution in the buyer's favor refunds the remaining balance.
	if err := orch.ResolveDispute(ctx, tx.ID, OutcomeRefundBuyer, "supplier at fault"); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	got, _ = mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusRefunded {
		t.Fatalf("status = %s, want REFUNDED", got.Status)
	}
	if len(psp.refundCalls) != 1 || psp.refundCalls[0].Amount != 1000 {
		t.Fatalf("refund calls = %+v", psp.refundCalls)
	}
}

func TestResolveDisputeDismissedRestoresState(t *testing.T) {
	orch, mem, _, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 1000)

	if _, err := orch.HandleDispute(ctx, tx.OrderID, tx.ID, "slow delivery", nil); err != nil {
		t.Fatalf("HandleDispute: %v", err)
	}
	if err := orch.ResolveDispute(ctx, tx.ID, OutcomeDismissed, "no merit"); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusCaptured {
		t.Fatalf("status = %s, want CAPTURED", got.Status)
	}
	if _, err := mem.GetOpenDisputeByTransaction(ctx, tx.ID); !errors.Is(err, domain.ErrDisputeNotFound) {
		t.Fatalf("dispute still open: %v", err)
	}
}

func TestScheduledReleaseSkipsDisputedTransactions(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()

	tx := capturedTransaction(t, orch, 1000)
	// Force the escrow window into the past.
	due := testNow.Add(-time.Hour)
	got, _ := mem.GetTransaction(ctx, tx.ID)
	got.EscrowReleaseDue = &due
	if err := mem.UpdateTransaction(ctx, got, domain.StatusChange{TransactionID: tx.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.HandleDispute(ctx, tx.OrderID, tx.ID, "wrong item", nil); err != nil {
		t.Fatalf("HandleDispute: %v", err)
	}

	res, err := orch.ProcessScheduledReleases(ctx)
	if err != nil {
		t.Fatalf("ProcessScheduledReleases: %v", err)
	}
	if res.Processed != 0 {
		t.Fatalf("processed %d disputed transactions", res.Processed)
	}
	if len(psp.releaseCalls) != 0 {
		t.Fatalf("provider release called for a disputed transaction")
	}
}

func TestScheduledReleaseContinuesPastFailures(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()

	txA := capturedTransaction(t, orch, 1000)
	txB := capturedTransaction(t, orch, 2000)
	due := testNow.Add(-time.Hour)
	for _, id := range []string{txA.ID, txB.ID} {
		got, _ := mem.GetTransaction(ctx, id)
		got.EscrowReleaseDue = &due
		if err := mem.UpdateTransaction(ctx, got, domain.StatusChange{TransactionID: id}); err != nil {
			t.Fatal(err)
		}
	}

	gotA, _ := mem.GetTransaction(ctx, txA.ID)
	psp.releaseErrFn = func(req provider.ReleaseRequest) error {
		if req.ProviderTxID == gotA.ProviderTxID {
			return domain.NewPaymentError(domain.ErrCodeNetworkError, "gateway unreachable", nil)
		}
		return nil
	}

	res, err := orch.ProcessScheduledReleases(ctx)
	if err != nil {
		t.Fatalf("ProcessScheduledReleases: %v", err)
	}
	if res.Processed != 2 || res.Succeeded != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Errors[0].TransactionID != txA.ID {
		t.Fatalf("failed item = %s, want %s", res.Errors[0].TransactionID, txA.ID)
	}

	// The failed one stays CAPTURED for the next run.
	gotA, _ = mem.GetTransaction(ctx, txA.ID)
	if gotA.Status != domain.StatusCaptured {
		t.Fatalf("failed release mutated status to %s", gotA.Status)
	}
	gotB, _ := mem.GetTransaction(ctx, txB.ID)
	if gotB.Status != domain.StatusReleased {
		t.Fatalf("second item status = %s, want RELEASED", gotB.Status)
	}
}

func TestScheduledReleaseStopsOnCancellation(t *testing.T) {
	orch, mem, _, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())

	tx := capturedTransaction(t, orch, 1000)
	due := testNow.Add(-time.Hour)
	got, _ := mem.GetTransaction(context.Background(), tx.ID)
	got.EscrowReleaseDue = &due
	if err := mem.UpdateTransaction(context.Background(), got, domain.StatusChange{TransactionID: tx.ID}); err != nil {
		t.Fatal(err)
	}

	cancel()
	res, err := orch.ProcessScheduledReleases(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if res.Processed != 0 {
		t.Fatalf("processed %d items after cancellation", res.Processed)
	}
}

func TestScheduledRefundsProcessQueue(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 1000)

	req, err := orch.RequestRefund(ctx, tx.ID, 400, "damaged", "cust-1")
	if err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}

	res, err := orch.ProcessScheduledRefunds(ctx)
	if err != nil {
		t.Fatalf("ProcessScheduledRefunds: %v", err)
	}
	if res.Processed != 1 || res.Succeeded != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(psp.refundCalls) != 1 || psp.refundCalls[0].IdempotencyKey != req.ID {
		t.Fatalf("refund calls = %+v", psp.refundCalls)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusPartiallyRefunded || got.RefundedAmount != 400 {
		t.Fatalf("after scheduled refund: %s / %d", got.Status, got.RefundedAmount)
	}

	// A second run finds nothing pending: the request is marked completed.
	res, err = orch.ProcessScheduledRefunds(ctx)
	if err != nil || res.Processed != 0 {
		t.Fatalf("second run = %+v, %v", res, err)
	}
}

func TestScheduledRefundFailureMarksRequest(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 1000)

	if _, err := orch.RequestRefund(ctx, tx.ID, 400, "damaged", "cust-1"); err != nil {
		t.Fatalf("RequestRefund: %v", err)
	}
	psp.refundErr = domain.NewPaymentError(domain.ErrCodeProviderError, "refund rejected", nil)

	res, err := orch.ProcessScheduledRefunds(ctx)
	if err != nil {
		t.Fatalf("ProcessScheduledRefunds: %v", err)
	}
	if res.Succeeded != 0 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
	// The failed request does not come back on the next run.
	psp.refundErr = nil
	res, _ = orch.ProcessScheduledRefunds(ctx)
	if res.Processed != 0 {
		t.Fatalf("failed request reprocessed: %+v", res)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.RefundedAmount != 0 {
		t.Fatalf("failed refund moved money: %d", got.RefundedAmount)
	}
}

func webhookBody(t *testing.T, ev provider.WebhookEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func signedHeader() http.Header {
	h := http.Header{}
	h.Set("X-Signature", "valid")
	return h
}

func TestHandleWebhookAppliesCapture(t *testing.T) {
	orch, mem, _, rec := newTestEngine(t)
	ctx := context.Background()

	tx, _ := orch.ProcessOrder(ctx, "ord-1", 1000, "JOD", "cust-1", "sup-1")
	if _, err := orch.AuthorizePayment(ctx, tx.ID, "4111111111111111", "09/2027", "A Buyer"); err != nil {
		t.Fatal(err)
	}
	authorized, _ := mem.GetTransaction(ctx, tx.ID)

	body := webhookBody(t, provider.WebhookEvent{
		EventID:      "evt-1",
		Type:         provider.EventPaymentCaptured,
		ProviderTxID: authorized.ProviderTxID,
		Amount:       1000,
		Currency:     "JOD",
	})
	res, err := orch.HandleWebhook(ctx, body, signedHeader())
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !res.Applied || res.Duplicate || res.Rejected {
		t.Fatalf("result = %+v", res)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusCaptured || got.CapturedAmount != 1000 {
		t.Fatalf("after webhook: %s / %d", got.Status, got.CapturedAmount)
	}
	if got.EscrowReleaseDue == nil {
		t.Fatal("webhook capture did not start the escrow clock")
	}
	if rec.Count("payment.captured") != 1 {
		t.Fatalf("payment.captured notifications = %d", rec.Count("payment.captured"))
	}
}

func TestHandleWebhookReplayIsAcknowledgedOnce(t *testing.T) {
	orch, mem, _, rec := newTestEngine(t)
	ctx := context.Background()

	tx, _ := orch.ProcessOrder(ctx, "ord-1", 1000, "JOD", "cust-1", "sup-1")
	if _, err := orch.AuthorizePayment(ctx, tx.ID, "4111111111111111", "09/2027", "A Buyer"); err != nil {
		t.Fatal(err)
	}
	authorized, _ := mem.GetTransaction(ctx, tx.ID)

	body := webhookBody(t, provider.WebhookEvent{
		EventID:      "evt-dup",
		Type:         provider.EventPaymentCaptured,
		ProviderTxID: authorized.ProviderTxID,
		Amount:       1000,
		Currency:     "JOD",
	})
	if _, err := orch.HandleWebhook(ctx, body, signedHeader()); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	res, err := orch.HandleWebhook(ctx, body, signedHeader())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !res.Duplicate || res.Applied {
		t.Fatalf("replay result = %+v", res)
	}
	if rec.Count("payment.captured") != 1 {
		t.Fatalf("replay re-notified: %d", rec.Count("payment.captured"))
	}
	history := mem.StatusHistory(tx.ID)
	captures := 0
	for _, c := range history {
		if c.To == domain.StatusCaptured {
			captures++
		}
	}
	if captures != 1 {
		t.Fatalf("capture applied %d times", captures)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	orch, _, _, _ := newTestEngine(t)
	body := []byte(`{}`)
	h := http.Header{}
	h.Set("X-Signature", "forged")
	_, err := orch.HandleWebhook(context.Background(), body, h)
	if domain.CodeOf(err) != domain.ErrCodeWebhookVerification {
		t.Fatalf("got %v, want verification failure", err)
	}
}

func TestHandleWebhookUnknownTransactionIsRejectedNotRetried(t *testing.T) {
	orch, _, _, _ := newTestEngine(t)
	body := webhookBody(t, provider.WebhookEvent{
		EventID:      "evt-ghost",
		Type:         provider.EventPaymentCaptured,
		ProviderTxID: "psp_nobody",
	})
	res, err := orch.HandleWebhook(context.Background(), body, signedHeader())
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("result = %+v, want rejected", res)
	}
}

func TestAuthorizeFromCapturedRejectedBeforeProvider(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 1000)

	psp.authorizeErr = errors.New("provider must not be called")
	_, err := orch.AuthorizePayment(ctx, tx.ID, "4111111111111111", "09/2027", "A Buyer")
	var te *domain.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("authorize from CAPTURED: got %v, want TransitionError", err)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusCaptured {
		t.Fatalf("status mutated to %s", got.Status)
	}
}

func TestRefundWebhookEchoIsNotReapplied(t *testing.T) {
	orch, mem, psp, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 150)

	if _, err := orch.RefundPayment(ctx, tx.ID, 75, "customer returned item"); err != nil {
		t.Fatalf("RefundPayment: %v", err)
	}
	got, _ := mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusPartiallyRefunded || got.RefundedAmount != 75 {
		t.Fatalf("after refund: %s / %d", got.Status, got.RefundedAmount)
	}

	// The PSP confirms the refund the engine itself initiated. A fresh
	// event id must not shrink the balance a second time.
	refundID := "rf_" + psp.refundCalls[0].IdempotencyKey
	body := webhookBody(t, provider.WebhookEvent{
		EventID:          "evt-echo",
		Type:             provider.EventRefundSucceeded,
		ProviderTxID:     got.ProviderTxID,
		ProviderRefundID: refundID,
		Amount:           75,
		Currency:         "JOD",
	})
	res, err := orch.HandleWebhook(ctx, body, signedHeader())
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !res.Duplicate || res.Applied {
		t.Fatalf("echo result = %+v, want duplicate", res)
	}
	got, _ = mem.GetTransaction(ctx, tx.ID)
	if got.Status != domain.StatusPartiallyRefunded || got.RefundedAmount != 75 {
		t.Fatalf("echo re-applied: %s / %d", got.Status, got.RefundedAmount)
	}

	// The residual is still the supplier's to collect.
	if err := orch.ConfirmDelivery(ctx, got.OrderID, got.ID, "sup-1"); err != nil {
		t.Fatalf("release of residual after echo: %v", err)
	}
}

func TestRefundWebhookAppliesOncePerRefundID(t *testing.T) {
	orch, mem, _, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 200)
	got, _ := mem.GetTransaction(ctx, tx.ID)

	// A refund initiated at the PSP applies exactly once, even when the
	// retry arrives under a different event id.
	first := webhookBody(t, provider.WebhookEvent{
		EventID:          "evt-r1",
		Type:             provider.EventRefundSucceeded,
		ProviderTxID:     got.ProviderTxID,
		ProviderRefundID: "re_psp1",
		Amount:           60,
		Currency:         "JOD",
	})
	res, err := orch.HandleWebhook(ctx, first, signedHeader())
	if err != nil || !res.Applied {
		t.Fatalf("first delivery = %+v, %v", res, err)
	}

	retry := webhookBody(t, provider.WebhookEvent{
		EventID:          "evt-r2",
		Type:             provider.EventRefundSucceeded,
		ProviderTxID:     got.ProviderTxID,
		ProviderRefundID: "re_psp1",
		Amount:           60,
		Currency:         "JOD",
	})
	res, err = orch.HandleWebhook(ctx, retry, signedHeader())
	if err != nil {
		t.Fatalf("retry delivery: %v", err)
	}
	if !res.Duplicate || res.Applied {
		t.Fatalf("retry result = %+v, want duplicate", res)
	}
	got, _ = mem.GetTransaction(ctx, tx.ID)
	if got.RefundedAmount != 60 {
		t.Fatalf("refunded = %d, want 60", got.RefundedAmount)
	}
}

func TestHandleWebhookOutOfOrderEventIsRejected(t *testing.T) {
	orch, mem, _, _ := newTestEngine(t)
	ctx := context.Background()
	tx := capturedTransaction(t, orch, 1000)
	got, _ := mem.GetTransaction(ctx, tx.ID)

	// An authorization event arriving after capture must not regress state.
	body := webhookBody(t, provider.WebhookEvent{
		EventID:      "evt-late",
		Type:         provider.EventPaymentAuthorized,
		ProviderTxID: got.ProviderTxID,
	})
	res, err := orch.HandleWebhook(ctx, body, signedHeader())
	if err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if !res.Rejected {
		t.Fatalf("result = %+v, want rejected", res)
	}
	after, _ := mem.GetTransaction(ctx, tx.ID)
	if after.Status != domain.StatusCaptured {
		t.Fatalf("late event mutated status to %s", after.Status)
	}
}
