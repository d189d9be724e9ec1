package domain

import (
	"encoding/json"
	"time"
)

// PaymentIntent is a not-yet-captured authorization request opened with the
// PSP. Immutable once captured; an amount change means a new intent.
type PaymentIntent struct {
	ID           string    `json:"id"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	CustomerID   string    `json:"customer_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CardFingerprint is the only card data the engine retains. Never the full
// PAN or CVV.
type CardFingerprint struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

// PaymentTransaction is the durable record of money movement for one order.
// Created on authorization, mutated by every state transition, never
// physically deleted.
type PaymentTransaction struct {
	ID               string          `json:"id"`
	PaymentIntentID  string          `json:"payment_intent_id"`
	OrderID          string          `json:"order_id"`
	CustomerID       string          `json:"customer_id"`
	SupplierID       string          `json:"supplier_id"`
	Amount           int64           `json:"amount"`
	CapturedAmount   int64           `json:"captured_amount"`
	RefundedAmount   int64           `json:"refunded_amount"`
	Currency         string          `json:"currency"`
	Status           Status          `json:"status"`
	PaymentMethod    string          `json:"payment_method"`
	Card             CardFingerprint `json:"card"`
	EscrowReleaseDue *time.Time      `json:"escrow_release_due,omitempty"`
	ProviderTxID     string          `json:"provider_tx_id"`
	RawResponse      json.RawMessage `json:"raw_response,omitempty"` // audit/debug only
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Remaining is the captured balance not yet refunded. Zero before capture.
func (t *PaymentTransaction) Remaining() int64 {
	return t.CapturedAmount - t.RefundedAmount
}

// StatusChange is one row of the append-only audit trail.
type StatusChange struct {
	TransactionID string    `json:"transaction_id"`
	From          Status    `json:"from"`
	To            Status    `json:"to"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EscrowHold is a projection of a captured transaction plus commission
// policy. Computed on demand, not persisted as source of truth.
type EscrowHold struct {
	TransactionID  string    `json:"transaction_id"`
	HoldUntil      time.Time `json:"hold_until"`
	CommissionPct  string    `json:"commission_pct"`
	Commission     int64     `json:"commission"`
	SupplierAmount int64     `json:"supplier_amount"`
}

type DisputeStatus string

const (
	DisputeOpened        DisputeStatus = "opened"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
	DisputeEscalated     DisputeStatus = "escalated"
)

// Dispute blocks all scheduled money movement on its transaction while open.
type Dispute struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	TransactionID string        `json:"transaction_id"`
	Reason        string        `json:"reason"`
	Status        DisputeStatus `json:"status"`
	Evidence      []string      `json:"evidence,omitempty"`
	Resolution    string        `json:"resolution,omitempty"`
	OpenedAt      time.Time     `json:"opened_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty"`
}

// Open reports whether the dispute still gates releases and refunds.
func (d *Dispute) Open() bool {
	return d.Status == DisputeOpened || d.Status == DisputeInvestigating || d.Status == DisputeEscalated
}

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

// RefundRequest is one requested repayment against a transaction. The sum of
// completed refunds never exceeds the captured amount.
type RefundRequest struct {
	ID            string       `json:"id"`
	TransactionID string       `json:"transaction_id"`
	Amount        int64        `json:"amount"`
	Reason        string       `json:"reason"`
	RequestedBy   string       `json:"requested_by"`
	Status        RefundStatus `json:"status"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
}

// SupplierWallet holds a supplier's available balance in minor units.
type SupplierWallet struct {
	SupplierID string    `json:"supplier_id"`
	Balance    int64     `json:"balance"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// WalletLedgerEntry records one credit or debit against a supplier wallet.
type WalletLedgerEntry struct {
	ID            string    `json:"id"`
	SupplierID    string    `json:"supplier_id"`
	TransactionID string    `json:"transaction_id"`
	Delta         int64     `json:"delta"`
	EntryType     string    `json:"entry_type"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeliveryConfirmationThreshold is the order total, in major currency units,
// above which delivery must be confirmed by PIN rather than photo. The
// delivery workflow enforces it; it lives here so both sides agree.
const DeliveryConfirmationThreshold = 120

type ConfirmationMethod string

const (
	ConfirmByPIN   ConfirmationMethod = "pin"
	ConfirmByPhoto ConfirmationMethod = "photo"
)

// DeliveryConfirmation records how a delivery was confirmed upstream.
type DeliveryConfirmation struct {
	OrderID     string             `json:"order_id"`
	Method      ConfirmationMethod `json:"method"`
	ConfirmedBy string             `json:"confirmed_by"`
	ConfirmedAt time.Time          `json:"confirmed_at"`
}
