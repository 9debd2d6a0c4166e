// Package ledger is the client side of the wallet ledger: the contract the
// orchestrator depends on plus in-memory and PostgreSQL implementations.
package ledger

import (
	"context"
	"errors"
	"time"
)

// EntryType is the direction of a wallet movement.
type EntryType string

const (
	Credit EntryType = "credit"
	Debit  EntryType = "debit"
)

// TransactionType classifies why money moved.
type TransactionType string

const (
	TypeDeposit    TransactionType = "deposit"
	TypeWithdrawal TransactionType = "withdrawal"
	TypeRefund     TransactionType = "refund"
	TypeTransfer   TransactionType = "transfer"
)

// Reference types linking ledger rows to orchestration records.
const (
	RefPayout            = "payout"
	RefTransaction       = "transaction"
	RefLedgerTransaction = "ledger_transaction"
	RefTransfer          = "transfer"
)

// ErrInsufficientFunds is returned when a debit would overdraw a wallet.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrWalletNotFound is returned for unknown wallet ids.
var ErrWalletNotFound = errors.New("wallet not found")

// RecordRequest posts a single credit or debit to a wallet.
type RecordRequest struct {
	UserID          string            `json:"user_id"`
	WalletID        string            `json:"wallet_id"`
	Type            EntryType         `json:"type"`
	TransactionType TransactionType   `json:"transaction_type"`
	AmountMinor     int64             `json:"amount_minor"`
	Currency        string            `json:"currency"`
	ReferenceType   string            `json:"reference_type"`
	ReferenceID     string            `json:"reference_id"`
	Description     string            `json:"description"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RecordResult identifies the posted entry. Duplicate is set when a reversal
// had already been posted and the earlier entry is returned instead.
type RecordResult struct {
	TransactionID string `json:"transaction_id"`
	BalanceAfter  int64  `json:"balance_after"`
	Duplicate     bool   `json:"duplicate,omitempty"`
}

// IsReversal reports whether req is a refund credit against an earlier ledger
// transaction. Each ledger transaction is reversed at most once.
func (r RecordRequest) IsReversal() bool {
	return r.Type == Credit && r.TransactionType == TypeRefund && r.ReferenceType == RefLedgerTransaction && r.ReferenceID != ""
}

// TransferRequest moves funds between two wallets atomically.
type TransferRequest struct {
	FromUserID   string            `json:"from_user_id"`
	FromWalletID string            `json:"from_wallet_id"`
	ToUserID     string            `json:"to_user_id"`
	ToWalletID   string            `json:"to_wallet_id"`
	AmountMinor  int64             `json:"amount_minor"`
	Currency     string            `json:"currency"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TransferResult identifies both legs of a transfer.
type TransferResult struct {
	DebitTransactionID  string `json:"debit_transaction_id"`
	CreditTransactionID string `json:"credit_transaction_id"`
}

// Entry is one posted wallet movement.
type Entry struct {
	ID string `json:"id"`
	RecordRequest
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Statement is a wallet's balance with its most recent entries, newest first.
type Statement struct {
	UserID   string  `json:"user_id"`
	WalletID string  `json:"wallet_id"`
	Balance  int64   `json:"balance_minor"`
	Entries  []Entry `json:"entries"`
}

// Reader serves wallet statements. Unknown users get ErrWalletNotFound; a
// read never creates a wallet.
type Reader interface {
	Statement(ctx context.Context, userID string, limit int) (*Statement, error)
}

// Ledger is the wallet ledger used by the orchestrator.
type Ledger interface {
	GetOrCreateWallet(ctx context.Context, userID string) (string, error)
	RecordTransaction(ctx context.Context, req RecordRequest) (*RecordResult, error)
	TransferFunds(ctx context.Context, req TransferRequest) (*TransferResult, error)
	Balance(ctx context.Context, walletID string) (int64, error)
}

func signed(t EntryType, amount int64) int64 {
	if t == Debit {
		return -amount
	}
	return amount
}
