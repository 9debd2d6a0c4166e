package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Memory is an in-process Ledger.
type Memory struct {
	mu       sync.Mutex
	wallets  map[string]string // user id -> wallet id
	balances map[string]int64
	entries  []Entry

	// FailWhen, when set, is consulted before each posting; a non-nil return aborts it.
	FailWhen func(req RecordRequest) error
}

// NewMemory creates an empty Memory ledger.
func NewMemory() *Memory {
	return &Memory{
		wallets:  make(map[string]string),
		balances: make(map[string]int64),
	}
}

func (m *Memory) GetOrCreateWallet(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.walletLocked(userID), nil
}

func (m *Memory) walletLocked(userID string) string {
	if id, ok := m.wallets[userID]; ok {
		return id
	}
	id := "wal_" + ulid.Make().String()
	m.wallets[userID] = id
	m.balances[id] = 0
	return id
}

// Fund credits a user's wallet directly, for test setup.
func (m *Memory) Fund(userID string, amountMinor int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.walletLocked(userID)
	m.balances[id] += amountMinor
	return id
}

func (m *Memory) RecordTransaction(_ context.Context, req RecordRequest) (*RecordResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.postLocked(req)
}

func (m *Memory) postLocked(req RecordRequest) (*RecordResult, error) {
	if req.IsReversal() {
		for _, e := range m.entries {
			if e.WalletID == req.WalletID && e.RecordRequest.IsReversal() && e.ReferenceID == req.ReferenceID {
				return &RecordResult{TransactionID: e.ID, BalanceAfter: e.BalanceAfter, Duplicate: true}, nil
			}
		}
	}
	if m.FailWhen != nil {
		if err := m.FailWhen(req); err != nil {
			return nil, err
		}
	}
	balance, ok := m.balances[req.WalletID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, req.WalletID)
	}
	if req.AmountMinor <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	next := balance + signed(req.Type, req.AmountMinor)
	if next < 0 {
		return nil, ErrInsufficientFunds
	}

	m.balances[req.WalletID] = next
	e := Entry{ID: "ltx_" + ulid.Make().String(), RecordRequest: req, BalanceAfter: next, CreatedAt: time.Now().UTC()}
	m.entries = append(m.entries, e)
	return &RecordResult{TransactionID: e.ID, BalanceAfter: next}, nil
}

func (m *Memory) TransferFunds(_ context.Context, req TransferRequest) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[req.FromWalletID] < req.AmountMinor {
		return nil, ErrInsufficientFunds
	}
	debit, err := m.postLocked(RecordRequest{
		UserID: req.FromUserID, WalletID: req.FromWalletID, Type: Debit, TransactionType: TypeTransfer,
		AmountMinor: req.AmountMinor, Currency: req.Currency, ReferenceType: RefTransfer,
		ReferenceID: req.ToWalletID, Description: req.Description, Metadata: req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	credit, err := m.postLocked(RecordRequest{
		UserID: req.ToUserID, WalletID: req.ToWalletID, Type: Credit, TransactionType: TypeTransfer,
		AmountMinor: req.AmountMinor, Currency: req.Currency, ReferenceType: RefTransfer,
		ReferenceID: req.FromWalletID, Description: req.Description, Metadata: req.Metadata,
	})
	if err != nil {
		// undo the debit leg so the transfer stays atomic
		m.balances[req.FromWalletID] += req.AmountMinor
		m.entries = m.entries[:len(m.entries)-1]
		return nil, err
	}
	return &TransferResult{DebitTransactionID: debit.TransactionID, CreditTransactionID: credit.TransactionID}, nil
}

func (m *Memory) Balance(_ context.Context, walletID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[walletID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return b, nil
}

// Entries returns every posted entry in order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *Memory) Statement(_ context.Context, userID string, limit int) (*Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	walletID, ok := m.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrWalletNotFound, userID)
	}
	st := &Statement{UserID: userID, WalletID: walletID, Balance: m.balances[walletID], Entries: []Entry{}}
	for i := len(m.entries) - 1; i >= 0 && len(st.Entries) < limit; i-- {
		if m.entries[i].WalletID == walletID {
			st.Entries = append(st.Entries, m.entries[i])
		}
	}
	return st, nil
}
