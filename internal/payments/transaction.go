package payments

import (
	"fmt"
	"time"

	"creatorpay/internal/common/money"
)

// TransactionStatus is the lifecycle state of an inbound payment.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Transaction is the persisted record of one inbound payment request.
type Transaction struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Amount         money.Money       `json:"amount"`
	Method         Method            `json:"method"`
	Description    string            `json:"description,omitempty"`
	Status         TransactionStatus `json:"status"`
	ProviderID     string            `json:"provider_id,omitempty"`
	ProviderRef    string            `json:"provider_ref,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewTransaction creates a pending transaction.
func NewTransaction(id, userID string, amount money.Money, method Method, description, idempotencyKey string) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:             id,
		UserID:         userID,
		Amount:         amount,
		Method:         method,
		Description:    description,
		Status:         TransactionPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// CanTransition reports whether moving from the current status to next is a forward move.
func (t *Transaction) CanTransition(next TransactionStatus) bool {
	return t.Status == TransactionPending && (next == TransactionCompleted || next == TransactionFailed)
}

// MarkCompleted records a successful provider charge.
func (t *Transaction) MarkCompleted(providerID, providerRef string) error {
	if !t.CanTransition(TransactionCompleted) {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = TransactionCompleted
	t.ProviderID = providerID
	t.ProviderRef = providerRef
	t.FailureReason = ""
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records a terminal failure.
func (t *Transaction) MarkFailed(reason string) error {
	if !t.CanTransition(TransactionFailed) {
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidTransition, t.ID, t.Status)
	}
	t.Status = TransactionFailed
	t.FailureReason = reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// Annotate fills in provider details without changing status.
func (t *Transaction) Annotate(providerID, providerRef string) {
	if t.ProviderID == "" {
		t.ProviderID = providerID
	}
	if t.ProviderRef == "" {
		t.ProviderRef = providerRef
	}
	t.UpdatedAt = time.Now().UTC()
}

// IsTerminal returns true if the transaction can no longer change status.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionCompleted || t.Status == TransactionFailed
}
