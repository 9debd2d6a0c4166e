package payments

import (
	"fmt"
	"time"

	"creatorpay/internal/common/money"
)

// PayoutStatus is the lifecycle state of an outbound payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// rank orders statuses so that only forward moves are accepted.
func (s PayoutStatus) rank() int {
	switch s {
	case PayoutPending:
		return 0
	case PayoutProcessing:
		return 1
	case PayoutCompleted, PayoutFailed:
		return 2
	}
	return -1
}

// Payout is the persisted record of one outbound payout to a creator.
type Payout struct {
	ID               string       `json:"id"`
	CreatorID        string       `json:"creator_id"`
	Amount           money.Money  `json:"amount"`
	Destination      Destination  `json:"destination"`
	Status           PayoutStatus `json:"status"`
	KYCVerified      bool         `json:"kyc_verified"`
	AMLPassed        bool         `json:"aml_passed"`
	ProviderID       string       `json:"provider_id,omitempty"`
	ProviderRef      string       `json:"provider_ref,omitempty"`
	IdempotencyKey   string       `json:"idempotency_key"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	EstimatedArrival *time.Time   `json:"estimated_arrival,omitempty"`
	// WalletID and DebitID are set on withdrawal payouts: the wallet debit
	// that funded the payout and must be reversed if it fails.
	WalletID         string       `json:"wallet_id,omitempty"`
	DebitID          string       `json:"debit_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewPayout creates a pending payout.
func NewPayout(id, creatorID string, amount money.Money, dest Destination, idempotencyKey string) *Payout {
	now := time.Now().UTC()
	return &Payout{
		ID:             id,
		CreatorID:      creatorID,
		Amount:         amount,
		Destination:    dest,
		Status:         PayoutPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// FundedByDebit links the payout to the wallet debit that paid for it.
func (p *Payout) FundedByDebit(walletID, debitID string) {
	p.WalletID = walletID
	p.DebitID = debitID
}

// CanTransition reports whether next is strictly forward of the current status.
func (p *Payout) CanTransition(next PayoutStatus) bool {
	if p.Status.rank() == 2 || next.rank() < 0 {
		return false
	}
	return next.rank() > p.Status.rank()
}

// SetCompliance records the compliance outcome on the payout.
func (p *Payout) SetCompliance(kycVerified, amlPassed bool) {
	p.KYCVerified = kycVerified
	p.AMLPassed = amlPassed
	p.UpdatedAt = time.Now().UTC()
}

// MarkProcessing records that a provider accepted the payout.
func (p *Payout) MarkProcessing(providerID, providerRef string, estimatedArrival *time.Time) error {
	if !p.KYCVerified || !p.AMLPassed {
		return fmt.Errorf("%w: payout %s has not passed compliance", ErrInvalidTransition, p.ID)
	}
	if err := p.transition(PayoutProcessing); err != nil {
		return err
	}
	p.ProviderID = providerID
	p.ProviderRef = providerRef
	p.EstimatedArrival = estimatedArrival
	return nil
}

// MarkCompleted records settlement of the payout.
func (p *Payout) MarkCompleted() error {
	if !p.KYCVerified || !p.AMLPassed {
		return fmt.Errorf("%w: payout %s has not passed compliance", ErrInvalidTransition, p.ID)
	}
	return p.transition(PayoutCompleted)
}

// MarkFailed records a terminal failure.
func (p *Payout) MarkFailed(reason string) error {
	if err := p.transition(PayoutFailed); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}

func (p *Payout) transition(next PayoutStatus) error {
	if !p.CanTransition(next) {
		return fmt.Errorf("%w: payout %s cannot move from %s to %s", ErrInvalidTransition, p.ID, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Annotate fills in provider details without changing status.
func (p *Payout) Annotate(providerID, providerRef string) {
	if p.ProviderID == "" {
		p.ProviderID = providerID
	}
	if p.ProviderRef == "" {
		p.ProviderRef = providerRef
	}
	p.UpdatedAt = time.Now().UTC()
}

// IsTerminal returns true if the payout can no longer change status.
func (p *Payout) IsTerminal() bool {
	return p.Status == PayoutCompleted || p.Status == PayoutFailed
}
