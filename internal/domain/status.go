package domain

// Status is the escrow lifecycle state of a payment transaction.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusAuthorized        Status = "AUTHORIZED"
	StatusCaptured          Status = "CAPTURED"
	StatusReleased          Status = "RELEASED"
	StatusRefunded          Status = "REFUNDED"
	StatusPartiallyRefunded Status = "PARTIALLY_REFUNDED"
	StatusDisputed          Status = "DISPUTED"
	StatusFailed            Status = "FAILED"
	StatusCancelled         Status = "CANCELLED"
)

// IsTerminal returns true if no further transition can leave the state.
// PARTIALLY_REFUNDED is not terminal: the residual stays releasable and
// refundable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo is the transition table in predicate form. The mutating
// methods below are the authoritative API; this exists for validation at
// boundaries (webhook status mapping, admin tooling).
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusAuthorized || target == StatusCancelled || target == StatusFailed
	case StatusAuthorized:
		return target == StatusCaptured || target == StatusCancelled || target == StatusFailed
	case StatusCaptured:
		return target == StatusReleased || target == StatusRefunded ||
			target == StatusPartiallyRefunded || target == StatusDisputed || target == StatusFailed
	case StatusPartiallyRefunded:
		return target == StatusReleased || target == StatusRefunded || target == StatusDisputed
	case StatusDisputed:
		// The only exits: dismissed back to CAPTURED, or resolved to a payout.
		return target == StatusCaptured || target == StatusReleased || target == StatusRefunded ||
			target == StatusPartiallyRefunded
	default:
		return false
	}
}

// The methods below are the escrow state machine: pure functions of the
// current state and event, no I/O. Illegal transitions return
// *TransitionError; amount violations return ErrAmountExceedsBalance.
// Idempotent re-application is signalled distinctly (see OpenDispute and
// the service layer) so callers can tell "already applied" from a bug.

// Authorize moves PENDING to AUTHORIZED.
func (t *PaymentTransaction) Authorize() error {
	if t.Status != StatusPending {
		return &TransitionError{From: t.Status, Event: "authorize"}
	}
	t.Status = StatusAuthorized
	return nil
}

// Capture moves AUTHORIZED to CAPTURED for amount <= the authorized amount.
func (t *PaymentTransaction) Capture(amount int64) error {
	if t.Status != StatusAuthorized {
		return &TransitionError{From: t.Status, Event: "capture"}
	}
	if amount <= 0 || amount > t.Amount {
		return ErrAmountExceedsBalance
	}
	t.CapturedAmount = amount
	t.Status = StatusCaptured
	return nil
}

// OpenDispute moves CAPTURED (or PARTIALLY_REFUNDED) to DISPUTED. Returns
// false without error when the transaction is already DISPUTED or terminal,
// so a duplicate open is a no-op rather than a failure.
func (t *PaymentTransaction) OpenDispute() (bool, error) {
	if t.Status == StatusDisputed || t.Status.IsTerminal() {
		return false, nil
	}
	if t.Status != StatusCaptured && t.Status != StatusPartiallyRefunded {
		return false, &TransitionError{From: t.Status, Event: "open_dispute"}
	}
	t.Status = StatusDisputed
	return true, nil
}

// Release pays out the remaining balance. Allowed from CAPTURED and
// PARTIALLY_REFUNDED; from DISPUTED only when the dispute was just resolved
// in the supplier's favor.
func (t *PaymentTransaction) Release(amount int64, disputeResolved bool) error {
	switch t.Status {
	case StatusCaptured, StatusPartiallyRefunded:
	case StatusDisputed:
		if !disputeResolved {
			return &TransitionError{From: t.Status, Event: "release"}
		}
	default:
		return &TransitionError{From: t.Status, Event: "release"}
	}
	if amount <= 0 || amount > t.Remaining() {
		return ErrAmountExceedsBalance
	}
	t.Status = StatusReleased
	return nil
}

// Refund repays amount to the buyer. A full refund of the remaining balance
// terminates in REFUNDED; a partial one lands in PARTIALLY_REFUNDED with the
// residual still live.
func (t *PaymentTransaction) Refund(amount int64) error {
	switch t.Status {
	case StatusCaptured, StatusDisputed, StatusPartiallyRefunded:
	default:
		return &TransitionError{From: t.Status, Event: "refund"}
	}
	if amount <= 0 || amount > t.Remaining() {
		return ErrAmountExceedsBalance
	}
	t.RefundedAmount += amount
	if t.Remaining() == 0 {
		t.Status = StatusRefunded
	} else {
		t.Status = StatusPartiallyRefunded
	}
	return nil
}

// Cancel voids the transaction before capture.
func (t *PaymentTransaction) Cancel() error {
	if t.Status != StatusPending && t.Status != StatusAuthorized {
		return &TransitionError{From: t.Status, Event: "cancel"}
	}
	t.Status = StatusCancelled
	return nil
}

// Fail records a provider-side failure before funds were released.
func (t *PaymentTransaction) Fail() error {
	switch t.Status {
	case StatusPending, StatusAuthorized, StatusCaptured:
		t.Status = StatusFailed
		return nil
	}
	return &TransitionError{From: t.Status, Event: "fail"}
}

// ResolveDisputeToCaptured dismisses the dispute and returns the
// transaction to the state it held before, with no money movement.
func (t *PaymentTransaction) ResolveDisputeToCaptured() error {
	if t.Status != StatusDisputed {
		return &TransitionError{From: t.Status, Event: "resolve_dispute"}
	}
	if t.RefundedAmount > 0 {
		t.Status = StatusPartiallyRefunded
	} else {
		t.Status = StatusCaptured
	}
	return nil
}
