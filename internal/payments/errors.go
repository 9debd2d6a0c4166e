package payments

import "errors"

// Error taxonomy surfaced by the orchestration engine.
var (
	ErrValidation         = errors.New("validation failed")
	ErrCompliance         = errors.New("compliance check failed")
	ErrProvider           = errors.New("provider attempt failed")
	ErrExhausted          = errors.New("all providers exhausted")
	ErrCompensationFailed = errors.New("compensation failed: manual reconciliation required")
	ErrSignature          = errors.New("webhook signature invalid")
	ErrInFlight           = errors.New("request with this idempotency key is already in progress")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrStaleStatus        = errors.New("record status changed concurrently")
	ErrNotFound           = errors.New("not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrLedger             = errors.New("ledger operation failed")
)

// Result codes stored on cached results so a replay reproduces the same error class.
const (
	CodeOK                 = ""
	CodeExhausted          = "exhausted"
	CodeComplianceFailed   = "compliance_failed"
	CodeCompensated        = "compensated"
	CodeCompensationFailed = "compensation_failed"
	CodeRefunded           = "refunded"
)

// CodeError maps a result code back to its sentinel.
func CodeError(code string) error {
	switch code {
	case CodeOK:
		return nil
	case CodeExhausted, CodeCompensated:
		return ErrExhausted
	case CodeComplianceFailed:
		return ErrCompliance
	case CodeCompensationFailed:
		return ErrCompensationFailed
	case CodeRefunded:
		return ErrLedger
	default:
		return errors.New(code)
	}
}

// IsCritical reports whether err requires manual reconciliation and must not be retried.
func IsCritical(err error) bool {
	return errors.Is(err, ErrCompensationFailed)
}
