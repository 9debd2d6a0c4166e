package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"creatorpay/internal/common/database"
)

// Postgres is a single-entry wallet ledger backed by the wallets and
// wallet_entries tables. Each posting records the wallet's balance after it.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres ledger.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// GetOrCreateWallet returns the user's wallet, creating it on first use.
func (p *Postgres) GetOrCreateWallet(ctx context.Context, userID string) (string, error) {
	_, err := p.db.Exec(ctx, `
		INSERT INTO wallets (id, user_id, balance_minor, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $3)
		ON CONFLICT (user_id) DO NOTHING
	`, "wal_"+ulid.Make().String(), userID, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("creating wallet: %w", err)
	}

	var walletID string
	if err := p.db.QueryRow(ctx, `SELECT id FROM wallets WHERE user_id = $1`, userID).Scan(&walletID); err != nil {
		return "", fmt.Errorf("getting wallet: %w", err)
	}
	return walletID, nil
}

// RecordTransaction posts one entry under a serializable transaction.
func (p *Postgres) RecordTransaction(ctx context.Context, req RecordRequest) (*RecordResult, error) {
	var result *RecordResult
	err := p.db.Serializable(ctx, func(tx pgx.Tx) error {
		var err error
		result, err = postEntry(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransferFunds posts the debit and credit legs in one transaction.
func (p *Postgres) TransferFunds(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var result TransferResult
	err := p.db.Serializable(ctx, func(tx pgx.Tx) error {
		debit, err := postEntry(ctx, tx, RecordRequest{
			UserID: req.FromUserID, WalletID: req.FromWalletID, Type: Debit, TransactionType: TypeTransfer,
			AmountMinor: req.AmountMinor, Currency: req.Currency, ReferenceType: RefTransfer,
			ReferenceID: req.ToWalletID, Description: req.Description, Metadata: req.Metadata,
		})
		if err != nil {
			return err
		}
		credit, err := postEntry(ctx, tx, RecordRequest{
			UserID: req.ToUserID, WalletID: req.ToWalletID, Type: Credit, TransactionType: TypeTransfer,
			AmountMinor: req.AmountMinor, Currency: req.Currency, ReferenceType: RefTransfer,
			ReferenceID: req.FromWalletID, Description: req.Description, Metadata: req.Metadata,
		})
		if err != nil {
			return err
		}
		result = TransferResult{DebitTransactionID: debit.TransactionID, CreditTransactionID: credit.TransactionID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Balance returns the wallet's current balance.
func (p *Postgres) Balance(ctx context.Context, walletID string) (int64, error) {
	var balance int64
	err := p.db.QueryRow(ctx, `SELECT balance_minor FROM wallets WHERE id = $1`, walletID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	if err != nil {
		return 0, fmt.Errorf("getting balance: %w", err)
	}
	return balance, nil
}

// Statement returns the user's balance and latest entries.
func (p *Postgres) Statement(ctx context.Context, userID string, limit int) (*Statement, error) {
	st := &Statement{UserID: userID, Entries: []Entry{}}
	err := p.db.QueryRow(ctx, `SELECT id, balance_minor FROM wallets WHERE user_id = $1`, userID).
		Scan(&st.WalletID, &st.Balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", ErrWalletNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting wallet: %w", err)
	}

	rows, err := p.db.Query(ctx, `
		SELECT id, wallet_id, user_id, entry_type, transaction_type, amount_minor, currency,
		       balance_after, reference_type, reference_id, description, metadata, created_at
		FROM wallet_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, st.WalletID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e        Entry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.WalletID, &e.UserID, &e.Type, &e.TransactionType, &e.AmountMinor,
			&e.Currency, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID, &e.Description, &metadata,
			&e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding entry metadata: %w", err)
			}
		}
		st.Entries = append(st.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return st, nil
}

func postEntry(ctx context.Context, tx pgx.Tx, req RecordRequest) (*RecordResult, error) {
	if req.AmountMinor <= 0 {
		return nil, errors.New("amount must be positive")
	}

	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance_minor FROM wallets WHERE id = $1 FOR UPDATE`, req.WalletID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWalletNotFound, req.WalletID)
	}
	if err != nil {
		return nil, fmt.Errorf("locking wallet: %w", err)
	}

	if req.IsReversal() {
		var prior RecordResult
		err := tx.QueryRow(ctx, `
			SELECT id, balance_after FROM wallet_entries
			WHERE wallet_id = $1 AND entry_type = 'credit' AND transaction_type = 'refund'
			  AND reference_type = $2 AND reference_id = $3
		`, req.WalletID, RefLedgerTransaction, req.ReferenceID).Scan(&prior.TransactionID, &prior.BalanceAfter)
		if err == nil {
			prior.Duplicate = true
			return &prior, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checking prior reversal: %w", err)
		}
	}

	next := balance + signed(req.Type, req.AmountMinor)
	if next < 0 {
		return nil, ErrInsufficientFunds
	}

	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	now := time.Now().UTC()
	id := "ltx_" + ulid.Make().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO wallet_entries (
			id, wallet_id, user_id, entry_type, transaction_type, amount_minor, currency,
			balance_after, reference_type, reference_id, description, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, id, req.WalletID, req.UserID, req.Type, req.TransactionType, req.AmountMinor, req.Currency,
		next, req.ReferenceType, req.ReferenceID, req.Description, metadata, now)
	if err != nil {
		return nil, fmt.Errorf("inserting entry: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE wallets SET balance_minor = $1, updated_at = $2 WHERE id = $3`, next, now, req.WalletID)
	if err != nil {
		return nil, fmt.Errorf("updating wallet balance: %w", err)
	}

	return &RecordResult{TransactionID: id, BalanceAfter: next}, nil
}
