package domain

import (
	"errors"
	"fmt"
)

// PaymentErrorCode is the provider-neutral error vocabulary. Adapters map
// their PSP's result codes into it at the boundary; the orchestrator never
// branches on provider-specific codes.
type PaymentErrorCode string

const (
	ErrCodeInvalidCard          PaymentErrorCode = "INVALID_CARD"
	ErrCodeInsufficientFunds    PaymentErrorCode = "INSUFFICIENT_FUNDS"
	ErrCodeCardDeclined         PaymentErrorCode = "CARD_DECLINED"
	ErrCodeExpiredCard          PaymentErrorCode = "EXPIRED_CARD"
	ErrCodeInvalidCVV           PaymentErrorCode = "INVALID_CVV"
	ErrCodeFraudSuspected       PaymentErrorCode = "FRAUD_SUSPECTED"
	ErrCodeDuplicateTransaction PaymentErrorCode = "DUPLICATE_TRANSACTION"
	ErrCodeInvalidAmount        PaymentErrorCode = "INVALID_AMOUNT"
	ErrCodeProviderError        PaymentErrorCode = "PROVIDER_ERROR"
	ErrCodeNetworkError         PaymentErrorCode = "NETWORK_ERROR"
	ErrCodeConfigurationError   PaymentErrorCode = "CONFIGURATION_ERROR"
	ErrCodeWebhookVerification  PaymentErrorCode = "WEBHOOK_VERIFICATION_FAILED"
)

// PaymentError carries a neutral code for the caller and the underlying
// provider error for server-side audit. User-facing layers show a generic
// message; the code stays in the logs.
type PaymentError struct {
	Code    PaymentErrorCode
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// NewPaymentError wraps err with a neutral code.
func NewPaymentError(code PaymentErrorCode, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}

// CodeOf extracts the neutral code from any error in the chain, defaulting
// to ProviderError.
func CodeOf(err error) PaymentErrorCode {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeProviderError
}

// TransitionError reports an illegal state-machine transition. Distinct
// from the idempotent no-op paths, which succeed without effect.
type TransitionError struct {
	From  Status
	Event string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %q from state %s", e.Event, e.From)
}

var (
	// ErrAmountExceedsBalance rejects captures, releases and refunds larger
	// than the balance they draw on.
	ErrAmountExceedsBalance = errors.New("amount exceeds remaining balance")

	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrWalletNotFound      = errors.New("supplier wallet not found")
)
