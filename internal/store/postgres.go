package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
)

// Store is the pgx-backed persistence layer. Schema in schema.sql.
type Store struct {
	Db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{Db: db}
}

func (s *Store) Close() {
	s.Db.Close()
}

const txColumns = `id, payment_intent_id, order_id, customer_id, supplier_id,
	amount, captured_amount, refunded_amount, currency, status, payment_method,
	card_brand, card_last4, escrow_release_due, provider_tx_id, raw_response,
	created_at, updated_at`

func (s *Store) CreateTransaction(ctx context.Context, t *domain.PaymentTransaction) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO payment_transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		t.ID, t.PaymentIntentID, t.OrderID, t.CustomerID, t.SupplierID,
		t.Amount, t.CapturedAmount, t.RefundedAmount, t.Currency, t.Status, t.PaymentMethod,
		t.Card.Brand, t.Card.Last4, t.EscrowReleaseDue, t.ProviderTxID, t.RawResponse,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.PaymentTransaction, error) {
	row := s.Db.QueryRow(ctx, `SELECT `+txColumns+` FROM payment_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (s *Store) GetTransactionByProviderRef(ctx context.Context, ref string) (*domain.PaymentTransaction, error) {
	row := s.Db.QueryRow(ctx, `
		SELECT `+txColumns+` FROM payment_transactions
		WHERE provider_tx_id = $1 OR payment_intent_id = $1`, ref)
	return scanTransaction(row)
}

func (s *Store) UpdateTransaction(ctx context.Context, t *domain.PaymentTransaction, change domain.StatusChange) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateTransactionTx(ctx, tx, t, change); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func updateTransactionTx(ctx context.Context, tx pgx.Tx, t *domain.PaymentTransaction, change domain.StatusChange) error {
	_, err := tx.Exec(ctx, `
		UPDATE payment_transactions
		SET captured_amount = $2, refunded_amount = $3, status = $4,
		    card_brand = $5, card_last4 = $6, escrow_release_due = $7,
		    provider_tx_id = $8, raw_response = $9, updated_at = $10
		WHERE id = $1`,
		t.ID, t.CapturedAmount, t.RefundedAmount, t.Status,
		t.Card.Brand, t.Card.Last4, t.EscrowReleaseDue,
		t.ProviderTxID, t.RawResponse, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("transaction update failed: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transaction_status_history (transaction_id, from_status, to_status, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		change.TransactionID, change.From, change.To, change.Reason, change.OccurredAt)
	if err != nil {
		return fmt.Errorf("status history insert failed: %w", err)
	}
	return nil
}

func (s *Store) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO disputes (id, order_id, transaction_id, reason, status, evidence, resolution, opened_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.OrderID, d.TransactionID, d.Reason, d.Status, d.Evidence, d.Resolution, d.OpenedAt, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetOpenDisputeByTransaction(ctx context.Context, transactionID string) (*domain.Dispute, error) {
	var d domain.Dispute
	err := s.Db.QueryRow(ctx, `
		SELECT id, order_id, transaction_id, reason, status, evidence, resolution, opened_at, resolved_at
		FROM disputes
		WHERE transaction_id = $1 AND status IN ('opened','investigating','escalated')
		ORDER BY opened_at DESC LIMIT 1`, transactionID).
		Scan(&d.ID, &d.OrderID, &d.TransactionID, &d.Reason, &d.Status, &d.Evidence, &d.Resolution, &d.OpenedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrDisputeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := s.Db.Exec(ctx, `
		UPDATE disputes SET status = $2, resolution = $3, resolved_at = $4 WHERE id = $1`,
		d.ID, d.Status, d.Resolution, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("dispute update failed: %w", err)
	}
	return nil
}

func (s *Store) CreateRefundRequest(ctx context.Context, r *domain.RefundRequest) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO refund_requests (id, transaction_id, amount, reason, requested_by, status, failure_reason, created_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.TransactionID, r.Amount, r.Reason, r.RequestedBy, r.Status, r.FailureReason, r.CreatedAt, r.ProcessedAt)
	if err != nil {
		return fmt.Errorf("refund request insert failed: %w", err)
	}
	return nil
}

func (s *Store) UpdateRefundRequest(ctx context.Context, r *domain.RefundRequest) error {
	_, err := s.Db.Exec(ctx, `
		UPDATE refund_requests SET status = $2, failure_reason = $3, processed_at = $4 WHERE id = $1`,
		r.ID, r.Status, r.FailureReason, r.ProcessedAt)
	if err != nil {
		return fmt.Errorf("refund request update failed: %w", err)
	}
	return nil
}

func (s *Store) PendingRefundTotal(ctx context.Context, transactionID string) (int64, error) {
	var total int64
	err := s.Db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM refund_requests
		WHERE transaction_id = $1 AND status = 'pending'`, transactionID).Scan(&total)
	return total, err
}

// ListDueReleases selects releasable transactions past their escrow date.
// The open-dispute exclusion lives here so it is authoritative at read
// time, even against a dispute opened moments before the batch runs.
func (s *Store) ListDueReleases(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT `+txColumns+` FROM payment_transactions t
		WHERE t.status IN ('CAPTURED','PARTIALLY_REFUNDED')
		  AND t.escrow_release_due IS NOT NULL
		  AND t.escrow_release_due <= $1
		  AND NOT EXISTS (
		    SELECT 1 FROM disputes d
		    WHERE d.transaction_id = t.id
		      AND d.status IN ('opened','investigating','escalated'))
		ORDER BY t.escrow_release_due
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListPendingRefunds(ctx context.Context, limit int) ([]*domain.RefundRequest, error) {
	rows, err := s.Db.Query(ctx, `
		SELECT r.id, r.transaction_id, r.amount, r.reason, r.requested_by, r.status, r.failure_reason, r.created_at, r.processed_at
		FROM refund_requests r
		WHERE r.status = 'pending'
		  AND NOT EXISTS (
		    SELECT 1 FROM disputes d
		    WHERE d.transaction_id = r.transaction_id
		      AND d.status IN ('opened','investigating','escalated'))
		ORDER BY r.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RefundRequest
	for rows.Next() {
		var r domain.RefundRequest
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Amount, &r.Reason, &r.RequestedBy, &r.Status, &r.FailureReason, &r.CreatedAt, &r.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ReleaseAndCredit commits the RELEASED transition, the wallet credit and
// the ledger entry in one database transaction, so a crash cannot leave a
// released transaction without its wallet credit.
func (s *Store) ReleaseAndCredit(ctx context.Context, t *domain.PaymentTransaction, change domain.StatusChange, entry domain.WalletLedgerEntry) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateTransactionTx(ctx, tx, t, change); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO supplier_wallets (supplier_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (supplier_id) DO UPDATE
		SET balance = supplier_wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		entry.SupplierID, entry.Delta, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("wallet credit failed: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_ledger_entries (id, supplier_id, transaction_id, delta, entry_type, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.SupplierID, entry.TransactionID, entry.Delta, entry.EntryType, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetSupplierWallet(ctx context.Context, supplierID string) (*domain.SupplierWallet, error) {
	var w domain.SupplierWallet
	err := s.Db.QueryRow(ctx, `
		SELECT supplier_id, balance, updated_at FROM supplier_wallets WHERE supplier_id = $1`,
		supplierID).Scan(&w.SupplierID, &w.Balance, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// InsertWebhookEvent is the dedup gate: the first delivery of an event id
// wins, every replay sees rows affected = 0.
func (s *Store) InsertWebhookEvent(ctx context.Context, eventID, eventType string, receivedAt time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`, eventID, eventType, receivedAt)
	if err != nil {
		return false, fmt.Errorf("webhook event insert failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyWebhookTransition records every dedup key and persists the
// transition in one database transaction. A conflict on any key rolls the
// whole thing back, so dedup and the state change can never diverge.
func (s *Store) ApplyWebhookTransition(ctx context.Context, keys []string, eventType string, receivedAt time.Time, t *domain.PaymentTransaction, change domain.StatusChange) (bool, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range keys {
		tag, err := tx.Exec(ctx, `
			INSERT INTO webhook_events (event_id, event_type, received_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`, key, eventType, receivedAt)
		if err != nil {
			return false, fmt.Errorf("webhook event insert failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return false, nil
		}
	}
	if err := updateTransactionTx(ctx, tx, t, change); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// TryAcquireJobLock claims a named job row until the deadline. The claim
// survives process death: a crashed worker's lock expires on its own.
func (s *Store) TryAcquireJobLock(ctx context.Context, name, token string, until time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx, `
		INSERT INTO job_locks (name, claimed_by, claimed_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		SET claimed_by = EXCLUDED.claimed_by, claimed_until = EXCLUDED.claimed_until
		WHERE job_locks.claimed_until IS NULL OR job_locks.claimed_until < now()`,
		name, token, until)
	if err != nil {
		return false, fmt.Errorf("job lock claim failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseJobLock(ctx context.Context, name, token string) error {
	_, err := s.Db.Exec(ctx, `
		UPDATE job_locks SET claimed_until = NULL WHERE name = $1 AND claimed_by = $2`,
		name, token)
	return err
}

func (s *Store) MarkOrderStatus(ctx context.Context, orderID, status string) error {
	_, err := s.Db.Exec(ctx, `
		INSERT INTO orders (id, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()`,
		orderID, status)
	if err != nil {
		return fmt.Errorf("order status update failed: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*domain.PaymentTransaction, error) {
	var t domain.PaymentTransaction
	err := row.Scan(&t.ID, &t.PaymentIntentID, &t.OrderID, &t.CustomerID, &t.SupplierID,
		&t.Amount, &t.CapturedAmount, &t.RefundedAmount, &t.Currency, &t.Status, &t.PaymentMethod,
		&t.Card.Brand, &t.Card.Last4, &t.EscrowReleaseDue, &t.ProviderTxID, &t.RawResponse,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
