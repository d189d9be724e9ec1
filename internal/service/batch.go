package service

import (
	"context"
	"fmt"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/domain"
)

// BatchError records one failed item of a batch run.
type BatchError struct {
	TransactionID string
	RefundID      string
	Err           error
}

func (e BatchError) Error() string {
	if e.RefundID != "" {
		return fmt.Sprintf("refund %s (tx %s): %v", e.RefundID, e.TransactionID, e.Err)
	}
	return fmt.Sprintf("tx %s: %v", e.TransactionID, e.Err)
}

// BatchResult aggregates a scheduled run. One item's failure never aborts
// the batch; it lands here instead.
type BatchResult struct {
	Processed int
	Succeeded int
	Errors    []BatchError
}

// ProcessScheduledReleases releases every captured transaction whose
// escrow date has passed and which has no open dispute (the store query
// enforces the exclusion). Each item is independent; cancellation is
// honored between items, never mid-item.
func (o *Orchestrator) ProcessScheduledReleases(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	due, err := o.store.ListDueReleases(ctx, o.nowFn(), o.batchSize)
	if err != nil {
		return res, fmt.Errorf("selecting due releases: %w", err)
	}

	for _, tx := range due {
		if ctx.Err() != nil {
			o.logger.InfoContext(ctx, "release batch interrupted",
				"processed", res.Processed, "remaining", len(due)-res.Processed)
			return res, ctx.Err()
		}
		res.Processed++
		if err := o.ConfirmDelivery(ctx, tx.OrderID, tx.ID, tx.SupplierID); err != nil {
			res.Errors = append(res.Errors, BatchError{TransactionID: tx.ID, Err: err})
			o.logger.ErrorContext(ctx, "scheduled release failed",
				"transaction_id", tx.ID, "error", err)
			continue
		}
		res.Succeeded++
	}

	if res.Processed > 0 {
		o.logger.InfoContext(ctx, "release batch finished",
			"processed", res.Processed, "succeeded", res.Succeeded, "failed", len(res.Errors))
	}
	return res, nil
}

// ProcessScheduledRefunds works through pending refund requests, marking
// each completed or failed with a reason. Transactions under an open
// dispute are excluded by the selection query.
func (o *Orchestrator) ProcessScheduledRefunds(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	pending, err := o.store.ListPendingRefunds(ctx, o.batchSize)
	if err != nil {
		return res, fmt.Errorf("selecting pending refunds: %w", err)
	}

	for _, req := range pending {
		if ctx.Err() != nil {
			o.logger.InfoContext(ctx, "refund batch interrupted",
				"processed", res.Processed, "remaining", len(pending)-res.Processed)
			return res, ctx.Err()
		}
		res.Processed++
		if err := o.processRefundRequest(ctx, req); err != nil {
			res.Errors = append(res.Errors, BatchError{TransactionID: req.TransactionID, RefundID: req.ID, Err: err})
			continue
		}
		res.Succeeded++
	}

	if res.Processed > 0 {
		o.logger.InfoContext(ctx, "refund batch finished",
			"processed", res.Processed, "succeeded", res.Succeeded, "failed", len(res.Errors))
	}
	return res, nil
}

func (o *Orchestrator) processRefundRequest(ctx context.Context, req *domain.RefundRequest) error {
	tx, err := o.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return o.failRefundRequest(ctx, req, err)
	}
	if err := o.executeRefund(ctx, tx, req.Amount, req.Reason, req.ID); err != nil {
		return o.failRefundRequest(ctx, req, err)
	}

	now := o.nowFn()
	req.Status = domain.RefundCompleted
	req.ProcessedAt = &now
	if err := o.store.UpdateRefundRequest(ctx, req); err != nil {
		return fmt.Errorf("marking refund completed: %w", err)
	}
	return nil
}

func (o *Orchestrator) failRefundRequest(ctx context.Context, req *domain.RefundRequest, cause error) error {
	now := o.nowFn()
	req.Status = domain.RefundFailed
	req.FailureReason = cause.Error()
	req.ProcessedAt = &now
	if err := o.store.UpdateRefundRequest(ctx, req); err != nil {
		o.logger.ErrorContext(ctx, "marking refund failed",
			"refund_id", req.ID, "error", err)
	}
	return cause
}
