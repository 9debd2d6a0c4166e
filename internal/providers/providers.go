// Package providers defines the contracts external payment and payout
// processors are driven through, plus the lookup set the orchestrator uses.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"creatorpay/internal/common/money"
	"creatorpay/internal/payments"
)

// ErrDuplicateAdapter is returned when two adapters share an ID.
var ErrDuplicateAdapter = errors.New("adapter already registered")

// PaymentRequest is sent to a payment processor.
type PaymentRequest struct {
	TransactionID  string            `json:"transaction_id"`
	UserID         string            `json:"user_id"`
	Amount         money.Money       `json:"amount"`
	Method         payments.Method   `json:"method"`
	Description    string            `json:"description,omitempty"`
	PaymentData    map[string]string `json:"payment_data,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// PaymentResponse is the processor's answer to a charge.
type PaymentResponse struct {
	Success               bool   `json:"success"`
	TransactionID         string `json:"transaction_id"`
	ProviderTransactionID string `json:"provider_transaction_id,omitempty"`
	Error                 string `json:"error,omitempty"`
	RequiresAction        bool   `json:"requires_action,omitempty"`
	ActionURL             string `json:"action_url,omitempty"`
}

// RefundRequest reverses a captured charge.
type RefundRequest struct {
	ProviderTransactionID string      `json:"provider_transaction_id"`
	Amount                money.Money `json:"amount"`
	Reason                string      `json:"reason,omitempty"`
}

// RefundResponse is the processor's answer to a refund.
type RefundResponse struct {
	Success          bool   `json:"success"`
	ProviderRefundID string `json:"provider_refund_id,omitempty"`
	Error            string `json:"error,omitempty"`
}

// SubscriptionRequest sets up a recurring charge.
type SubscriptionRequest struct {
	UserID      string            `json:"user_id"`
	PlanID      string            `json:"plan_id"`
	Amount      money.Money       `json:"amount"`
	Interval    string            `json:"interval"`
	PaymentData map[string]string `json:"payment_data,omitempty"`
}

// SubscriptionResponse is the processor's answer to a subscription.
type SubscriptionResponse struct {
	Success                bool   `json:"success"`
	ProviderSubscriptionID string `json:"provider_subscription_id,omitempty"`
	Error                  string `json:"error,omitempty"`
}

// PayoutRequest is sent to a payout processor.
type PayoutRequest struct {
	PayoutID       string               `json:"payout_id"`
	CreatorID      string               `json:"creator_id"`
	Amount         money.Money          `json:"amount"`
	Destination    payments.Destination `json:"destination"`
	Description    string               `json:"description,omitempty"`
	IdempotencyKey string               `json:"idempotency_key"`
}

// PayoutResponse is the processor's answer to a payout.
type PayoutResponse struct {
	Success          bool       `json:"success"`
	PayoutID         string     `json:"payout_id"`
	ProviderPayoutID string     `json:"provider_payout_id,omitempty"`
	EstimatedArrival *time.Time `json:"estimated_arrival,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// StatusResponse carries the processor's own status vocabulary; callers
// normalise it.
type StatusResponse struct {
	ProviderReference string `json:"provider_reference"`
	Status            string `json:"status"`
}

// PaymentProvider charges payers.
type PaymentProvider interface {
	ID() string
	ProcessPayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error)
	ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResponse, error)
	ProcessSubscription(ctx context.Context, req SubscriptionRequest) (*SubscriptionResponse, error)
	// ValidatePaymentData rejects requests the processor cannot accept
	// without contacting it.
	ValidatePaymentData(method payments.Method, data map[string]string) error
	GetTransactionStatus(ctx context.Context, providerRef string) (*StatusResponse, error)
}

// PayoutProvider pays creators out.
type PayoutProvider interface {
	ID() string
	ProcessPayout(ctx context.Context, req PayoutRequest) (*PayoutResponse, error)
	GetPayoutStatus(ctx context.Context, providerRef string) (*StatusResponse, error)
}

// Set holds the adapters available at runtime, keyed by provider ID.
type Set struct {
	mu      sync.RWMutex
	payment map[string]PaymentProvider
	payout  map[string]PayoutProvider
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{
		payment: make(map[string]PaymentProvider),
		payout:  make(map[string]PayoutProvider),
	}
}

// AddPayment registers a payment adapter.
func (s *Set) AddPayment(p PaymentProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payment[p.ID()]; ok {
		return fmt.Errorf("payment adapter %s: %w", p.ID(), ErrDuplicateAdapter)
	}
	s.payment[p.ID()] = p
	return nil
}

// AddPayout registers a payout adapter.
func (s *Set) AddPayout(p PayoutProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payout[p.ID()]; ok {
		return fmt.Errorf("payout adapter %s: %w", p.ID(), ErrDuplicateAdapter)
	}
	s.payout[p.ID()] = p
	return nil
}

// Payment returns the payment adapter for id.
func (s *Set) Payment(id string) (PaymentProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payment[id]
	return p, ok
}

// Payout returns the payout adapter for id.
func (s *Set) Payout(id string) (PayoutProvider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payout[id]
	return p, ok
}

// IDs lists every registered adapter ID.
func (s *Set) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.payment)+len(s.payout))
	for id := range s.payment {
		ids = append(ids, id)
	}
	for id := range s.payout {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
