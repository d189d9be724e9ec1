package store

import (
	"context"
	"sync"
	"time"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
)

// Memory implements the orchestrator's persistence port in process memory.
// Tests use it; it mirrors the postgres store's semantics, including the
// dispute exclusion in the selection queries and the job-lock expiry.
type Memory struct {
	mu           sync.Mutex
	transactions map[string]*domain.PaymentTransaction
	history      []domain.StatusChange
	disputes     map[string]*domain.Dispute
	refunds      map[string]*domain.RefundRequest
	wallets      map[string]*domain.SupplierWallet
	ledger       []domain.WalletLedgerEntry
	webhookSeen  map[string]string
	locks        map[string]memLock
	orders       map[string]string
}

type memLock struct {
	token string
	until time.Time
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[string]*domain.PaymentTransaction),
		disputes:     make(map[string]*domain.Dispute),
		refunds:      make(map[string]*domain.RefundRequest),
		wallets:      make(map[string]*domain.SupplierWallet),
		webhookSeen:  make(map[string]string),
		locks:        make(map[string]memLock),
		orders:       make(map[string]string),
	}
}

func (m *Memory) CreateTransaction(_ context.Context, t *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id string) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) GetTransactionByProviderRef(_ context.Context, ref string) (*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.transactions {
		if t.ProviderTxID == ref || t.PaymentIntentID == ref {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (m *Memory) UpdateTransaction(_ context.Context, t *domain.PaymentTransaction, change domain.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return domain.ErrTransactionNotFound
	}
	cp := *t
	m.transactions[t.ID] = &cp
	m.history = append(m.history, change)
	return nil
}

// StatusHistory returns the audit trail for assertions.
func (m *Memory) StatusHistory(transactionID string) []domain.StatusChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StatusChange
	for _, c := range m.history {
		if c.TransactionID == transactionID {
			out = append(out, c)
		}
	}
	return out
}

func (m *Memory) CreateDispute(_ context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *Memory) GetOpenDisputeByTransaction(_ context.Context, transactionID string) (*domain.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Open() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, domain.ErrDisputeNotFound
}

func (m *Memory) UpdateDispute(_ context.Context, d *domain.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[d.ID]; !ok {
		return domain.ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *Memory) CreateRefundRequest(_ context.Context, r *domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *Memory) UpdateRefundRequest(_ context.Context, r *domain.RefundRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.refunds[r.ID] = &cp
	return nil
}

func (m *Memory) PendingRefundTotal(_ context.Context, transactionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, r := range m.refunds {
		if r.TransactionID == transactionID && r.Status == domain.RefundPending {
			total += r.Amount
		}
	}
	return total, nil
}

func (m *Memory) ListDueReleases(_ context.Context, now time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentTransaction
	for _, t := range m.transactions {
		if len(out) >= limit {
			break
		}
		if t.Status != domain.StatusCaptured && t.Status != domain.StatusPartiallyRefunded {
			continue
		}
		if t.EscrowReleaseDue == nil || t.EscrowReleaseDue.After(now) {
			continue
		}
		if m.hasOpenDispute(t.ID) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) ListPendingRefunds(_ context.Context, limit int) ([]*domain.RefundRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RefundRequest
	for _, r := range m.refunds {
		if len(out) >= limit {
			break
		}
		if r.Status != domain.RefundPending || m.hasOpenDispute(r.TransactionID) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) hasOpenDispute(transactionID string) bool {
	for _, d := range m.disputes {
		if d.TransactionID == transactionID && d.Open() {
			return true
		}
	}
	return false
}

func (m *Memory) ReleaseAndCredit(_ context.Context, t *domain.PaymentTransaction, change domain.StatusChange, entry domain.WalletLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[t.ID]; !ok {
		return domain.ErrTransactionNotFound
	}
	cp := *t
	m.transactions[t.ID] = &cp
	m.history = append(m.history, change)

	w, ok := m.wallets[entry.SupplierID]
	if !ok {
		w = &domain.SupplierWallet{SupplierID: entry.SupplierID}
		m.wallets[entry.SupplierID] = w
	}
	w.Balance += entry.Delta
	w.UpdatedAt = entry.CreatedAt
	m.ledger = append(m.ledger, entry)
	return nil
}

func (m *Memory) GetSupplierWallet(_ context.Context, supplierID string) (*domain.SupplierWallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[supplierID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// LedgerEntries returns the wallet ledger for assertions.
func (m *Memory) LedgerEntries(supplierID string) []domain.WalletLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.WalletLedgerEntry
	for _, e := range m.ledger {
		if e.SupplierID == supplierID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) InsertWebhookEvent(_ context.Context, eventID, eventType string, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.webhookSeen[eventID]; seen {
		return false, nil
	}
	m.webhookSeen[eventID] = eventType
	return true, nil
}

func (m *Memory) ApplyWebhookTransition(_ context.Context, keys []string, eventType string, _ time.Time, t *domain.PaymentTransaction, change domain.StatusChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		if _, seen := m.webhookSeen[k]; seen {
			return false, nil
		}
	}
	if _, ok := m.transactions[t.ID]; !ok {
		return false, domain.ErrTransactionNotFound
	}
	for _, k := range keys {
		m.webhookSeen[k] = eventType
	}
	cp := *t
	m.transactions[t.ID] = &cp
	m.history = append(m.history, change)
	return true, nil
}

func (m *Memory) TryAcquireJobLock(_ context.Context, name, token string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.locks[name]; held && l.until.After(time.Now()) {
		return false, nil
	}
	m.locks[name] = memLock{token: token, until: until}
	return true, nil
}

func (m *Memory) ReleaseJobLock(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.locks[name]; held && l.token == token {
		delete(m.locks, name)
	}
	return nil
}

func (m *Memory) MarkOrderStatus(_ context.Context, orderID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = status
	return nil
}

// OrderStatus returns the recorded order status for assertions.
func (m *Memory) OrderStatus(orderID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID]
}
