package payments

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists transactions and payouts.
//
// Update methods take the status the caller last observed and fail with
// ErrStaleStatus when another writer has moved the record in the meantime.
type Store interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByProviderRef(ctx context.Context, providerID, ref string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction, expected TransactionStatus) error

	CreatePayout(ctx context.Context, p *Payout) error
	GetPayout(ctx context.Context, id string) (*Payout, error)
	GetPayoutByProviderRef(ctx context.Context, providerID, ref string) (*Payout, error)
	UpdatePayout(ctx context.Context, p *Payout, expected PayoutStatus) error

	// SumPayoutsSince totals processing and completed payouts for a creator.
	SumPayoutsSince(ctx context.Context, creatorID string, since time.Time) (int64, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]Transaction
	payouts      map[string]Payout
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]Transaction),
		payouts:      make(map[string]Payout),
	}
}

func (s *MemoryStore) CreateTransaction(_ context.Context, t *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[t.ID]; ok {
		return fmt.Errorf("transaction %s already exists", t.ID)
	}
	s.transactions[t.ID] = *t
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return &t, nil
}

func (s *MemoryStore) GetTransactionByProviderRef(_ context.Context, providerID, ref string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.transactions {
		if t.ProviderID == providerID && t.ProviderRef == ref {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("transaction with %s reference %s: %w", providerID, ref, ErrNotFound)
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, t *Transaction, expected TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.transactions[t.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", t.ID, ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("transaction %s is %s, expected %s: %w", t.ID, current.Status, expected, ErrStaleStatus)
	}
	s.transactions[t.ID] = *t
	return nil
}

func (s *MemoryStore) CreatePayout(_ context.Context, p *Payout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payouts[p.ID]; ok {
		return fmt.Errorf("payout %s already exists", p.ID)
	}
	s.payouts[p.ID] = *p
	return nil
}

func (s *MemoryStore) GetPayout(_ context.Context, id string) (*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[id]
	if !ok {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetPayoutByProviderRef(_ context.Context, providerID, ref string) (*Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payouts {
		if p.ProviderID == providerID && p.ProviderRef == ref {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("payout with %s reference %s: %w", providerID, ref, ErrNotFound)
}

func (s *MemoryStore) UpdatePayout(_ context.Context, p *Payout, expected PayoutStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payouts[p.ID]
	if !ok {
		return fmt.Errorf("payout %s: %w", p.ID, ErrNotFound)
	}
	if current.Status != expected {
		return fmt.Errorf("payout %s is %s, expected %s: %w", p.ID, current.Status, expected, ErrStaleStatus)
	}
	s.payouts[p.ID] = *p
	return nil
}

func (s *MemoryStore) SumPayoutsSince(_ context.Context, creatorID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, p := range s.payouts {
		if p.CreatorID != creatorID || p.CreatedAt.Before(since) {
			continue
		}
		if p.Status == PayoutProcessing || p.Status == PayoutCompleted {
			total += p.Amount.AmountMinor
		}
	}
	return total, nil
}
