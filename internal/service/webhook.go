package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/provider"
)

// WebhookResult reports how a delivery was handled. Business-level
// rejections (stale or out-of-order events) are not errors: the PSP gets a
// 2xx so it stops retrying.
type WebhookResult struct {
	EventID   string
	EventType provider.WebhookEventType
	Applied   bool
	Duplicate bool
	Rejected  bool
	Reason    string
}

// refundDedupKey namespaces a provider refund id in the webhook dedup
// table. The engine claims the key when it executes a refund; the PSP's
// webhook echoing that refund then lands as a duplicate instead of being
// applied a second time.
func refundDedupKey(providerRefundID string) string {
	return "refund:" + providerRefundID
}

// HandleWebhook verifies, parses, deduplicates and applies one PSP event.
// The dedup keys and the transition are persisted in a single database
// transaction, so a delivery that dies between dedup and persist does not
// turn the PSP's retry into a swallowed duplicate. Only infrastructure
// failures return an error.
func (o *Orchestrator) HandleWebhook(ctx context.Context, rawBody []byte, header http.Header) (*WebhookResult, error) {
	if err := o.provider.ValidateWebhookSignature(rawBody, header); err != nil {
		return nil, err
	}
	ev, err := o.provider.ParseWebhookEvent(rawBody)
	if err != nil {
		return nil, err
	}
	res := &WebhookResult{EventID: ev.EventID, EventType: ev.Type}

	tx, err := o.store.GetTransactionByProviderRef(ctx, ev.ProviderTxID)
	if err != nil {
		if errors.Is(err, domain.ErrTransactionNotFound) {
			// Event for a transaction we never created: record it so the
			// replay is acknowledged, reject, do not retry.
			if _, recErr := o.store.InsertWebhookEvent(ctx, ev.EventID, string(ev.Type), o.nowFn()); recErr != nil {
				return nil, fmt.Errorf("recording webhook event: %w", recErr)
			}
			res.Rejected = true
			res.Reason = "unknown transaction"
			o.logger.WarnContext(ctx, "webhook for unknown transaction",
				"event_id", ev.EventID, "provider_tx_id", ev.ProviderTxID)
			return res, nil
		}
		return nil, err
	}

	from := tx.Status
	applied, err := provider.ApplyWebhookEvent(tx, ev)
	if err != nil {
		var te *domain.TransitionError
		if errors.As(err, &te) || errors.Is(err, domain.ErrAmountExceedsBalance) {
			if _, recErr := o.store.InsertWebhookEvent(ctx, ev.EventID, string(ev.Type), o.nowFn()); recErr != nil {
				return nil, fmt.Errorf("recording webhook event: %w", recErr)
			}
			res.Rejected = true
			res.Reason = err.Error()
			o.logger.WarnContext(ctx, "webhook transition rejected",
				"event_id", ev.EventID, "transaction_id", tx.ID,
				"status", tx.Status, "event_type", ev.Type, "reason", err)
			return res, nil
		}
		return nil, err
	}
	if !applied {
		if _, recErr := o.store.InsertWebhookEvent(ctx, ev.EventID, string(ev.Type), o.nowFn()); recErr != nil {
			return nil, fmt.Errorf("recording webhook event: %w", recErr)
		}
		res.Duplicate = true
		return res, nil
	}

	if tx.ProviderTxID == "" {
		tx.ProviderTxID = ev.ProviderTxID
	}
	if tx.Status == domain.StatusCaptured && tx.EscrowReleaseDue == nil {
		due := o.nowFn().Add(o.holdFor)
		tx.EscrowReleaseDue = &due
	}
	tx.RawResponse = ev.Raw
	tx.UpdatedAt = o.nowFn()

	keys := []string{ev.EventID}
	if ev.Type == provider.EventRefundSucceeded && ev.ProviderRefundID != "" {
		keys = append(keys, refundDedupKey(ev.ProviderRefundID))
	}
	fresh, err := o.store.ApplyWebhookTransition(ctx, keys, string(ev.Type), o.nowFn(), tx, o.change(tx, from, "webhook "+string(ev.Type)))
	if err != nil {
		return nil, fmt.Errorf("persisting webhook transition: %w", err)
	}
	if !fresh {
		res.Duplicate = true
		o.logger.InfoContext(ctx, "duplicate webhook delivery acknowledged",
			"event_id", ev.EventID, "event_type", ev.Type)
		return res, nil
	}

	if ev.Type == provider.EventPaymentCaptured {
		o.notify(ctx, "payment.captured", map[string]string{
			"order_id":       tx.OrderID,
			"transaction_id": tx.ID,
		})
	}
	res.Applied = true
	return res, nil
}
