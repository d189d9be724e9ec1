package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/money"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
)

// Orchestrator is the use-case layer of the escrow payment engine. All
// durable state lives behind the Store port; the struct itself holds no
// mutable state, so instances are safe to run horizontally as long as the
// job lock is database-backed.
type Orchestrator struct {
	provider       provider.Provider
	store          Store
	notifier       Notifier
	logger         *slog.Logger
	nowFn          func() time.Time
	commissionRate decimal.Decimal
	holdFor        time.Duration
	batchSize      int
}

type Config struct {
	CommissionRate decimal.Decimal
	EscrowHoldFor  time.Duration
	BatchSize      int
	Clock          func() time.Time
}

func NewOrchestrator(p provider.Provider, store Store, notifier Notifier, logger *slog.Logger, cfg Config) *Orchestrator {
	nowFn := cfg.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	holdFor := cfg.EscrowHoldFor
	if holdFor <= 0 {
		holdFor = 72 * time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:       p,
		store:          store,
		notifier:       notifier,
		logger:         logger,
		nowFn:          nowFn,
		commissionRate: cfg.CommissionRate,
		holdFor:        holdFor,
		batchSize:      batchSize,
	}
}

// ProcessOrder opens a payment intent with the PSP and persists the
// transaction in PENDING. A provider failure cancels the order and
// surfaces a provider-neutral PaymentError.
func (o *Orchestrator) ProcessOrder(ctx context.Context, orderID string, amount int64, currency, customerID, supplierID string) (*domain.PaymentTransaction, error) {
	if amount <= 0 {
		return nil, domain.NewPaymentError(domain.ErrCodeInvalidAmount, "amount must be positive", nil)
	}
	txID := uuid.NewString()

	intent, err := o.provider.CreatePaymentIntent(ctx, provider.IntentRequest{
		OrderID:        orderID,
		Amount:         amount,
		Currency:       currency,
		CustomerID:     customerID,
		IdempotencyKey: txID,
	})
	if err != nil {
		if markErr := o.store.MarkOrderStatus(ctx, orderID, "cancelled"); markErr != nil {
			o.logger.ErrorContext(ctx, "mark order cancelled failed",
				"order_id", orderID, "error", markErr)
		}
		o.logger.WarnContext(ctx, "payment intent creation failed",
			"order_id", orderID, "code", domain.CodeOf(err), "error", err)
		return nil, err
	}

	now := o.nowFn()
	tx := &domain.PaymentTransaction{
		ID:              txID,
		PaymentIntentID: intent.ProviderRef,
		OrderID:         orderID,
		CustomerID:      customerID,
		SupplierID:      supplierID,
		Amount:          amount,
		Currency:        currency,
		Status:          domain.StatusPending,
		PaymentMethod:   "card",
		RawResponse:     intent.Raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("persisting transaction: %w", err)
	}

	o.notify(ctx, "payment.initiated", map[string]string{
		"order_id":       orderID,
		"transaction_id": tx.ID,
		"amount":         money.FormatMinor(amount, currency),
	})
	return tx, nil
}

// AuthorizeResult is either a placed hold or a 3-D Secure challenge the
// client must complete first.
type AuthorizeResult struct {
	Transaction    *domain.PaymentTransaction
	RequiresAction bool
	RedirectURL    string
}

// AuthorizePayment places the authorization hold. The card is Luhn-checked
// and fingerprinted before any PSP call; the PAN is never persisted.
func (o *Orchestrator) AuthorizePayment(ctx context.Context, transactionID, cardNumber, cardExpiry, cardHolder string) (*AuthorizeResult, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.StatusAuthorized {
		return &AuthorizeResult{Transaction: tx}, nil
	}
	if tx.Status != domain.StatusPending {
		return nil, &domain.TransitionError{From: tx.Status, Event: "authorize"}
	}
	if !provider.ValidCardNumber(cardNumber) {
		return nil, domain.NewPaymentError(domain.ErrCodeInvalidCard, "card number failed validation", nil)
	}

	resp, err := o.provider.AuthorizePayment(ctx, provider.AuthorizeRequest{
		ProviderRef:    tx.PaymentIntentID,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		CardNumber:     cardNumber,
		CardExpiry:     cardExpiry,
		CardHolder:     cardHolder,
		IdempotencyKey: tx.ID + ":authorize",
	})
	if err != nil {
		o.logger.WarnContext(ctx, "authorization failed",
			"transaction_id", tx.ID, "code", domain.CodeOf(err), "error", err)
		return nil, err
	}
	if resp.RequiresAction {
		return &AuthorizeResult{Transaction: tx, RequiresAction: true, RedirectURL: resp.RedirectURL}, nil
	}

	from := tx.Status
	if err := tx.Authorize(); err != nil {
		return nil, err
	}
	tx.ProviderTxID = resp.ProviderTxID
	tx.Card = domain.CardFingerprint{Brand: provider.DetectCardBrand(cardNumber), Last4: provider.Last4(cardNumber)}
	tx.RawResponse = resp.Raw
	tx.UpdatedAt = o.nowFn()
	if err := o.store.UpdateTransaction(ctx, tx, o.change(tx, from, "authorized at provider")); err != nil {
		return nil, fmt.Errorf("persisting authorization: %w", err)
	}
	return &AuthorizeResult{Transaction: tx}, nil
}

// CapturePayment converts the hold into a debit and starts the escrow
// clock. A zero amount captures the full authorized amount.
func (o *Orchestrator) CapturePayment(ctx context.Context, transactionID string, amount int64) (*domain.PaymentTransaction, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status == domain.StatusCaptured {
		return tx, nil
	}
	if amount == 0 {
		amount = tx.Amount
	}
	if tx.Status != domain.StatusAuthorized {
		return nil, &domain.TransitionError{From: tx.Status, Event: "capture"}
	}
	if amount < 0 || amount > tx.Amount {
		return nil, domain.ErrAmountExceedsBalance
	}

	resp, err := o.provider.CapturePayment(ctx, provider.CaptureRequest{
		ProviderTxID:   tx.ProviderTxID,
		Amount:         amount,
		Currency:       tx.Currency,
		IdempotencyKey: tx.ID + ":capture",
	})
	if err != nil {
		o.logger.WarnContext(ctx, "capture failed",
			"transaction_id", tx.ID, "code", domain.CodeOf(err), "error", err)
		return nil, err
	}

	from := tx.Status
	if err := tx.Capture(amount); err != nil {
		return nil, err
	}
	due := o.nowFn().Add(o.holdFor)
	tx.EscrowReleaseDue = &due
	tx.RawResponse = resp.Raw
	tx.UpdatedAt = o.nowFn()
	if err := o.store.UpdateTransaction(ctx, tx, o.change(tx, from, "captured at provider")); err != nil {
		return nil, fmt.Errorf("persisting capture: %w", err)
	}

	o.notify(ctx, "payment.captured", map[string]string{
		"order_id":       tx.OrderID,
		"transaction_id": tx.ID,
		"amount":         money.FormatMinor(amount, tx.Currency),
	})
	return tx, nil
}

// ConfirmDelivery releases escrowed funds to the supplier: commission
// split, PSP-side release, RELEASED status, wallet credit and ledger entry,
// order completion. A transaction that is already RELEASED is a no-op, not
// an error.
func (o *Orchestrator) ConfirmDelivery(ctx context.Context, orderID, transactionID, supplierID string) error {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status == domain.StatusReleased {
		return nil
	}
	if supplierID == "" {
		supplierID = tx.SupplierID
	}
	return o.release(ctx, tx, supplierID, false, "delivery confirmed")
}

// release is the shared payout path for delivery confirmation, scheduled
// release and dispute resolution in the supplier's favor.
func (o *Orchestrator) release(ctx context.Context, tx *domain.PaymentTransaction, supplierID string, disputeResolved bool, reason string) error {
	remaining := tx.Remaining()
	if !tx.Status.CanTransitionTo(domain.StatusReleased) || (tx.Status == domain.StatusDisputed && !disputeResolved) {
		return &domain.TransitionError{From: tx.Status, Event: "release"}
	}
	if remaining <= 0 {
		return domain.ErrAmountExceedsBalance
	}
	commission, supplierAmount := money.SplitCommission(remaining, o.commissionRate)

	resp, err := o.provider.ReleaseFromEscrow(ctx, provider.ReleaseRequest{
		ProviderTxID:   tx.ProviderTxID,
		TotalAmount:    remaining,
		Commission:     commission,
		SupplierAmount: supplierAmount,
		SupplierID:     supplierID,
		Currency:       tx.Currency,
		IdempotencyKey: tx.ID + ":release",
	})
	if err != nil {
		o.logger.WarnContext(ctx, "escrow release failed",
			"transaction_id", tx.ID, "code", domain.CodeOf(err), "error", err)
		return err
	}

	from := tx.Status
	if err := tx.Release(remaining, disputeResolved); err != nil {
		return err
	}
	tx.RawResponse = resp.Raw
	tx.UpdatedAt = o.nowFn()

	entry := domain.WalletLedgerEntry{
		ID:            uuid.NewString(),
		SupplierID:    supplierID,
		TransactionID: tx.ID,
		Delta:         supplierAmount,
		EntryType:     "escrow_release",
		CreatedAt:     o.nowFn(),
	}
	if err := o.store.ReleaseAndCredit(ctx, tx, o.change(tx, from, reason), entry); err != nil {
		return fmt.Errorf("persisting release: %w", err)
	}
	if err := o.store.MarkOrderStatus(ctx, tx.OrderID, "completed"); err != nil {
		o.logger.ErrorContext(ctx, "mark order completed failed",
			"order_id", tx.OrderID, "error", err)
	}

	o.notify(ctx, "escrow.released", map[string]string{
		"order_id":        tx.OrderID,
		"transaction_id":  tx.ID,
		"supplier_id":     supplierID,
		"supplier_amount": money.FormatMinor(supplierAmount, tx.Currency),
		"commission":      money.FormatMinor(commission, tx.Currency),
	})
	return nil
}

// EscrowHoldFor projects the escrow view of a captured transaction from
// the commission policy. Nothing here is persisted as source of truth.
func (o *Orchestrator) EscrowHoldFor(tx *domain.PaymentTransaction) *domain.EscrowHold {
	commission, supplierAmount := money.SplitCommission(tx.Remaining(), o.commissionRate)
	hold := &domain.EscrowHold{
		TransactionID:  tx.ID,
		CommissionPct:  o.commissionRate.String(),
		Commission:     commission,
		SupplierAmount: supplierAmount,
	}
	if tx.EscrowReleaseDue != nil {
		hold.HoldUntil = *tx.EscrowReleaseDue
	}
	return hold
}

// HandleDispute opens a dispute and freezes the transaction. Opening a
// dispute on an already-disputed transaction returns the existing dispute.
func (o *Orchestrator) HandleDispute(ctx context.Context, orderID, transactionID, reason string, evidence []string) (*domain.Dispute, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	from := tx.Status
	changed, err := tx.OpenDispute()
	if err != nil {
		return nil, err
	}
	if !changed {
		existing, err := o.store.GetOpenDisputeByTransaction(ctx, transactionID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, domain.ErrDisputeNotFound) {
			return nil, err
		}
		return nil, &domain.TransitionError{From: tx.Status, Event: "open_dispute"}
	}

	now := o.nowFn()
	d := &domain.Dispute{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		TransactionID: transactionID,
		Reason:        reason,
		Status:        domain.DisputeOpened,
		Evidence:      evidence,
		OpenedAt:      now,
	}
	if err := o.store.CreateDispute(ctx, d); err != nil {
		return nil, fmt.Errorf("persisting dispute: %w", err)
	}
	tx.UpdatedAt = now
	if err := o.store.UpdateTransaction(ctx, tx, o.change(tx, from, "dispute opened: "+reason)); err != nil {
		return nil, fmt.Errorf("persisting dispute transition: %w", err)
	}
	if err := o.store.MarkOrderStatus(ctx, orderID, "disputed"); err != nil {
		o.logger.ErrorContext(ctx, "mark order disputed failed", "order_id", orderID, "error", err)
	}

	o.notify(ctx, "dispute.opened", map[string]string{
		"order_id":       orderID,
		"transaction_id": transactionID,
		"dispute_id":     d.ID,
	})
	return d, nil
}

// DisputeOutcome is how a dispute leaves the DISPUTED state.
type DisputeOutcome string

const (
	// OutcomeDismissed returns the transaction to its pre-dispute state
	// with no money movement.
	OutcomeDismissed DisputeOutcome = "dismissed"
	// OutcomeReleaseSupplier resolves in the supplier's favor and pays out.
	OutcomeReleaseSupplier DisputeOutcome = "release_supplier"
	// OutcomeRefundBuyer resolves in the buyer's favor and refunds the
	// remaining balance.
	OutcomeRefundBuyer DisputeOutcome = "refund_buyer"
)

// ResolveDispute applies one of the only exits from DISPUTED.
func (o *Orchestrator) ResolveDispute(ctx context.Context, transactionID string, outcome DisputeOutcome, resolution string) error {
	d, err := o.store.GetOpenDisputeByTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}

	switch outcome {
	case OutcomeDismissed:
		from := tx.Status
		if err := tx.ResolveDisputeToCaptured(); err != nil {
			return err
		}
		tx.UpdatedAt = o.nowFn()
		if err := o.store.UpdateTransaction(ctx, tx, o.change(tx, from, "dispute dismissed")); err != nil {
			return fmt.Errorf("persisting dismissal: %w", err)
		}
	case OutcomeReleaseSupplier:
		if err := o.release(ctx, tx, tx.SupplierID, true, "dispute resolved for supplier"); err != nil {
			return err
		}
	case OutcomeRefundBuyer:
		if err := o.executeRefund(ctx, tx, tx.Remaining(), "dispute resolved for buyer", d.ID+":refund"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown dispute outcome %q", outcome)
	}

	now := o.nowFn()
	d.Status = domain.DisputeResolved
	d.Resolution = resolution
	d.ResolvedAt = &now
	if err := o.store.UpdateDispute(ctx, d); err != nil {
		return fmt.Errorf("persisting dispute resolution: %w", err)
	}
	return nil
}

// RequestRefund records a refund request after checking it against the
// remaining balance net of other pending requests. The check happens
// before any PSP call.
func (o *Orchestrator) RequestRefund(ctx context.Context, transactionID string, amount int64, reason, requestedBy string) (*domain.RefundRequest, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, domain.NewPaymentError(domain.ErrCodeInvalidAmount, "refund amount must be positive", nil)
	}
	pending, err := o.store.PendingRefundTotal(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if amount > tx.Remaining()-pending {
		return nil, domain.ErrAmountExceedsBalance
	}

	r := &domain.RefundRequest{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		Amount:        amount,
		Reason:        reason,
		RequestedBy:   requestedBy,
		Status:        domain.RefundPending,
		CreatedAt:     o.nowFn(),
	}
	if err := o.store.CreateRefundRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("persisting refund request: %w", err)
	}
	return r, nil
}

// RefundPayment refunds immediately, without going through a request row.
func (o *Orchestrator) RefundPayment(ctx context.Context, transactionID string, amount int64, reason string) (*domain.PaymentTransaction, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if amount > tx.Remaining() {
		return nil, domain.ErrAmountExceedsBalance
	}
	if err := o.executeRefund(ctx, tx, amount, reason, tx.ID+":refund:"+uuid.NewString()); err != nil {
		return nil, err
	}
	return tx, nil
}

// executeRefund performs the PSP refund and the state transition. The
// balance is validated by the state machine before the provider call.
func (o *Orchestrator) executeRefund(ctx context.Context, tx *domain.PaymentTransaction, amount int64, reason, idemKey string) error {
	if amount <= 0 || amount > tx.Remaining() {
		return domain.ErrAmountExceedsBalance
	}
	switch tx.Status {
	case domain.StatusCaptured, domain.StatusDisputed, domain.StatusPartiallyRefunded:
	default:
		return &domain.TransitionError{From: tx.Status, Event: "refund"}
	}

	resp, err := o.provider.RefundPayment(ctx, provider.RefundRequest{
		ProviderTxID:   tx.ProviderTxID,
		Amount:         amount,
		Currency:       tx.Currency,
		Reason:         reason,
		IdempotencyKey: idemKey,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "refund failed",
			"transaction_id", tx.ID, "code", domain.CodeOf(err), "error", err)
		return err
	}

	from := tx.Status
	if err := tx.Refund(amount); err != nil {
		return err
	}
	tx.RawResponse = resp.Raw
	tx.UpdatedAt = o.nowFn()
	// Claim the provider refund id in the webhook dedup table together
	// with the transition, so the PSP's webhook echoing this refund lands
	// as a duplicate instead of shrinking the balance twice.
	if resp.ProviderRefundID != "" {
		fresh, err := o.store.ApplyWebhookTransition(ctx,
			[]string{refundDedupKey(resp.ProviderRefundID)},
			string(provider.EventRefundSucceeded), o.nowFn(),
			tx, o.change(tx, from, reason))
		if err != nil {
			return fmt.Errorf("persisting refund: %w", err)
		}
		if !fresh {
			// The webhook for this refund already applied it.
			o.logger.InfoContext(ctx, "refund already applied via webhook",
				"transaction_id", tx.ID, "provider_refund_id", resp.ProviderRefundID)
			return nil
		}
	} else if err := o.store.UpdateTransaction(ctx, tx, o.change(tx, from, reason)); err != nil {
		return fmt.Errorf("persisting refund: %w", err)
	}

	o.notify(ctx, "payment.refunded", map[string]string{
		"order_id":       tx.OrderID,
		"transaction_id": tx.ID,
		"amount":         money.FormatMinor(amount, tx.Currency),
	})
	return nil
}

func (o *Orchestrator) change(tx *domain.PaymentTransaction, from domain.Status, reason string) domain.StatusChange {
	return domain.StatusChange{
		TransactionID: tx.ID,
		From:          from,
		To:            tx.Status,
		Reason:        reason,
		OccurredAt:    o.nowFn(),
	}
}

func (o *Orchestrator) notify(ctx context.Context, event string, payload map[string]string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, event, payload)
}
