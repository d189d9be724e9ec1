package service

import (
	"context"
	"time"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
)

// Store is the persistence port the orchestrator consumes. Implemented by
// the pgx store in production and by the memory store in tests.
type Store interface {
	CreateTransaction(ctx context.Context, tx *domain.PaymentTransaction) error
	GetTransaction(ctx context.Context, id string) (*domain.PaymentTransaction, error)
	// GetTransactionByProviderRef resolves by the PSP's transaction id or,
	// failing that, the payment intent id (authorization webhooks can land
	// before the engine has recorded the PSP transaction id).
	GetTransactionByProviderRef(ctx context.Context, ref string) (*domain.PaymentTransaction, error)
	// UpdateTransaction persists the row and appends the status change to
	// the audit history in the same database transaction.
	UpdateTransaction(ctx context.Context, tx *domain.PaymentTransaction, change domain.StatusChange) error

	CreateDispute(ctx context.Context, d *domain.Dispute) error
	GetOpenDisputeByTransaction(ctx context.Context, transactionID string) (*domain.Dispute, error)
	UpdateDispute(ctx context.Context, d *domain.Dispute) error

	CreateRefundRequest(ctx context.Context, r *domain.RefundRequest) error
	UpdateRefundRequest(ctx context.Context, r *domain.RefundRequest) error
	// PendingRefundTotal sums the not-yet-processed refund requests for a
	// transaction, so new requests never overcommit the remaining balance.
	PendingRefundTotal(ctx context.Context, transactionID string) (int64, error)

	// ListDueReleases selects CAPTURED (or partially refunded) transactions
	// whose escrow release date has passed and which have no open dispute.
	// The dispute exclusion belongs to the query: it is authoritative at
	// read time.
	ListDueReleases(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentTransaction, error)
	// ListPendingRefunds selects pending refund requests whose transactions
	// have no open dispute.
	ListPendingRefunds(ctx context.Context, limit int) ([]*domain.RefundRequest, error)

	// ReleaseAndCredit persists the RELEASED transition, credits the
	// supplier wallet and appends the ledger entry atomically.
	ReleaseAndCredit(ctx context.Context, tx *domain.PaymentTransaction, change domain.StatusChange, entry domain.WalletLedgerEntry) error
	GetSupplierWallet(ctx context.Context, supplierID string) (*domain.SupplierWallet, error)

	// InsertWebhookEvent records a PSP event id as the idempotency dedup
	// key. Returns false when the event was already recorded.
	InsertWebhookEvent(ctx context.Context, eventID, eventType string, receivedAt time.Time) (bool, error)
	// ApplyWebhookTransition records every dedup key (the PSP event id,
	// plus the provider refund id for refund events) and persists the
	// transition in one database transaction. Returns false with nothing
	// written when any key is already recorded, so a retried delivery
	// whose first attempt died mid-flight still applies exactly once.
	ApplyWebhookTransition(ctx context.Context, keys []string, eventType string, receivedAt time.Time, tx *domain.PaymentTransaction, change domain.StatusChange) (bool, error)

	// TryAcquireJobLock claims a named job until the given deadline so only
	// one orchestrator instance runs a batch at a time.
	TryAcquireJobLock(ctx context.Context, name, token string, until time.Time) (bool, error)
	ReleaseJobLock(ctx context.Context, name, token string) error

	MarkOrderStatus(ctx context.Context, orderID, status string) error
}

// Notifier is the fire-and-forget notification collaborator. Failures are
// the notifier's problem; the engine never waits on delivery.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]string)
}
