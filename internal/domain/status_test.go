package domain

import (
	"errors"
	"testing"
)

func allStatuses() []Status {
	return []Status{
		StatusPending, StatusAuthorized, StatusCaptured, StatusReleased,
		StatusRefunded, StatusPartiallyRefunded, StatusDisputed,
		StatusFailed, StatusCancelled,
	}
}

func TestCanTransitionTo(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:           {StatusAuthorized, StatusCancelled, StatusFailed},
		StatusAuthorized:        {StatusCaptured, StatusCancelled, StatusFailed},
		StatusCaptured:          {StatusReleased, StatusRefunded, StatusPartiallyRefunded, StatusDisputed, StatusFailed},
		StatusPartiallyRefunded: {StatusReleased, StatusRefunded, StatusDisputed},
		StatusDisputed:          {StatusCaptured, StatusReleased, StatusRefunded, StatusPartiallyRefunded},
	}
	for _, from := range allStatuses() {
		want := map[Status]bool{}
		for _, to := range allowed[from] {
			want[to] = true
		}
		for _, to := range allStatuses() {
			if got := from.CanTransitionTo(to); got != want[to] {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", from, to, got, want[to])
			}
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[Status]bool{
		StatusReleased:  true,
		StatusRefunded:  true,
		StatusFailed:    true,
		StatusCancelled: true,
	}
	for _, s := range allStatuses() {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestAuthorize(t *testing.T) {
	tx := &PaymentTransaction{Status: StatusPending}
	if err := tx.Authorize(); err != nil {
		t.Fatalf("Authorize from PENDING: %v", err)
	}
	if tx.Status != StatusAuthorized {
		t.Fatalf("status = %s, want AUTHORIZED", tx.Status)
	}

	for _, from := range []Status{StatusAuthorized, StatusCaptured, StatusReleased, StatusFailed} {
		tx := &PaymentTransaction{Status: from}
		err := tx.Authorize()
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Errorf("Authorize from %s: got %v, want TransitionError", from, err)
		}
		if tx.Status != from {
			t.Errorf("Authorize from %s mutated state to %s", from, tx.Status)
		}
	}
}

func TestCapture(t *testing.T) {
	tx := &PaymentTransaction{Status: StatusAuthorized, Amount: 1000}
	if err := tx.Capture(1000); err != nil {
		t.Fatalf("full capture: %v", err)
	}
	if tx.Status != StatusCaptured || tx.CapturedAmount != 1000 {
		t.Fatalf("after capture: status=%s captured=%d", tx.Status, tx.CapturedAmount)
	}

	tx = &PaymentTransaction{Status: StatusAuthorized, Amount: 1000}
	if err := tx.Capture(1500); !errors.Is(err, ErrAmountExceedsBalance) {
		t.Errorf("over-capture: got %v, want ErrAmountExceedsBalance", err)
	}
	if tx.Status != StatusAuthorized {
		t.Errorf("failed capture mutated state to %s", tx.Status)
	}

	tx = &PaymentTransaction{Status: StatusPending, Amount: 1000}
	var te *TransitionError
	if err := tx.Capture(1000); !errors.As(err, &te) {
		t.Errorf("capture from PENDING: got %v, want TransitionError", err)
	}
}

func TestOpenDispute(t *testing.T) {
	tx := &PaymentTransaction{Status: StatusCaptured, Amount: 1000, CapturedAmount: 1000}
	changed, err := tx.OpenDispute()
	if err != nil || !changed {
		t.Fatalf("OpenDispute from CAPTURED: changed=%v err=%v", changed, err)
	}
	if tx.Status != StatusDisputed {
		t.Fatalf("status = %s, want DISPUTED", tx.Status)
	}

	// Duplicate open is a no-op, not an error.
	changed, err = tx.OpenDispute()
	if err != nil || changed {
		t.Fatalf("duplicate OpenDispute: changed=%v err=%v", changed, err)
	}

	tx = &PaymentTransaction{Status: StatusPending}
	changed, err = tx.OpenDispute()
	var te *TransitionError
	if changed || !errors.As(err, &te) {
		t.Errorf("OpenDispute from PENDING: changed=%v err=%v", changed, err)
	}
}

func TestRelease(t *testing.T) {
	tx := &PaymentTransaction{Status: StatusCaptured, Amount: 1000, CapturedAmount: 1000}
	if err := tx.Release(1000, false); err != nil {
		t.Fatalf("release from CAPTURED: %v", err)
	}
	if tx.Status != StatusReleased {
		t.Fatalf("status = %s, want RELEASED", tx.Status)
	}

	// DISPUTED releases only with an explicit resolution.
	tx = &PaymentTransaction{Status: StatusDisputed, Amount: 1000, CapturedAmount: 1000}
	var te *TransitionError
	if err := tx.Release(1000, false); !errors.As(err, &te) {
		t.Errorf("release from DISPUTED without resolution: got %v, want TransitionError", err)
	}
	if err := tx.Release(1000, true); err != nil {
		t.Errorf("release from DISPUTED with resolution: %v", err)
	}

	tx = &PaymentTransaction{Status: StatusCaptured, Amount: 1000, CapturedAmount: 1000, RefundedAmount: 400}
	if err := tx.Release(1000, false); !errors.Is(err, ErrAmountExceedsBalance) {
		t.Errorf("release above remaining: got %v, want ErrAmountExceedsBalance", err)
	}
}

func TestRefund(t *testing.T) {
	tx := &PaymentTransaction{Status: StatusCaptured, Amount: 1000, CapturedAmount: 1000}
	if err := tx.Refund(400); err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if tx.Status != StatusPartiallyRefunded || tx.Remaining() != 600 {
		t.Fatalf("after partial refund: status=%s remaining=%d", tx.Status, tx.Remaining())
	}

	if err := tx.Refund(600); err != nil {
		t.Fatalf("refund of residual: %v", err)
	}
	if tx.Status != StatusRefunded {
		t.Fatalf("after full refund: status=%s", tx.Status)
	}

	// REFUNDED is terminal: another refund is an illegal transition, not
	// a balance problem.
	var te *TransitionError
	if err := tx.Refund(1); !errors.As(err, &te) {
		t.Errorf("refund past zero: got %v, want TransitionError", err)
	}

	tx = &PaymentTransaction{Status: StatusAuthorized, Amount: 1000}
	if err := tx.Refund(100); !errors.As(err, &te) {
		t.Errorf("refund before capture: got %v, want TransitionError", err)
	}
}

func TestCancelAndFail(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusAuthorized} {
		tx := &PaymentTransaction{Status: from}
		if err := tx.Cancel(); err != nil {
			t.Errorf("cancel from %s: %v", from, err)
		}
	}
	tx := &PaymentTransaction{Status: StatusCaptured, Amount: 100, CapturedAmount: 100}
	var te *TransitionError
	if err := tx.Cancel(); !errors.As(err, &te) {
		t.Errorf("cancel after capture: got %v, want TransitionError", err)
	}

	for _, from := range []Status{StatusPending, StatusAuthorized, StatusCaptured} {
		tx := &PaymentTransaction{Status: from}
		if err := tx.Fail(); err != nil {
			t.Errorf("fail from %s: %v", from, err)
		}
	}
	tx = &PaymentTransaction{Status: StatusReleased}
	if err := tx.Fail(); !errors.As(err, &te) {
		t.Errorf("fail from RELEASED: got %v, want TransitionError", err)
	}
}

func TestResolveDisputeToCaptured(t *testing.T) {
	tx := &PaymentTransaction{Status: StatusDisputed, Amount: 1000, CapturedAmount: 1000}
	if err := tx.ResolveDisputeToCaptured(); err != nil {
		t.Fatalf("dismiss dispute: %v", err)
	}
	if tx.Status != StatusCaptured {
		t.Fatalf("status = %s, want CAPTURED", tx.Status)
	}

	// A dispute opened after a partial refund returns there, not to CAPTURED.
	tx = &PaymentTransaction{Status: StatusDisputed, Amount: 1000, CapturedAmount: 1000, RefundedAmount: 300}
	if err := tx.ResolveDisputeToCaptured(); err != nil {
		t.Fatalf("dismiss dispute: %v", err)
	}
	if tx.Status != StatusPartiallyRefunded {
		t.Fatalf("status = %s, want PARTIALLY_REFUNDED", tx.Status)
	}
}
