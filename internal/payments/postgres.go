package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const transactionColumns = `
	id, user_id, amount_minor, currency, method, description, status,
	provider_id, provider_ref, idempotency_key, failure_reason, created_at, updated_at`

// CreateTransaction inserts a pending transaction.
func (s *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	query := `INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, t.Amount.AmountMinor, t.Amount.Currency, t.Method, nullStr(t.Description), t.Status,
		nullStr(t.ProviderID), nullStr(t.ProviderRef), t.IdempotencyKey, nullStr(t.FailureReason),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(s.pool.QueryRow(ctx, query, id))
}

// GetTransactionByProviderRef retrieves a transaction by the processor's reference.
func (s *PostgresStore) GetTransactionByProviderRef(ctx context.Context, providerID, ref string) (*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE provider_id = $1 AND provider_ref = $2`
	return scanTransaction(s.pool.QueryRow(ctx, query, providerID, ref))
}

// UpdateTransaction writes t if the stored status still equals expected.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, t *Transaction, expected TransactionStatus) error {
	query := `
		UPDATE transactions SET
			status = $2, provider_id = $3, provider_ref = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1 AND status = $7
	`
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Status, nullStr(t.ProviderID), nullStr(t.ProviderRef), nullStr(t.FailureReason), t.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s expected %s: %w", t.ID, expected, ErrStaleStatus)
	}
	return nil
}

const payoutColumns = `
	id, creator_id, amount_minor, currency, destination, status, kyc_verified, aml_passed,
	provider_id, provider_ref, idempotency_key, failure_reason, estimated_arrival, wallet_id, debit_id,
	created_at, updated_at`

// CreatePayout inserts a pending payout.
func (s *PostgresStore) CreatePayout(ctx context.Context, p *Payout) error {
	query := `INSERT INTO payouts (` + payoutColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	destination, err := json.Marshal(p.Destination)
	if err != nil {
		return fmt.Errorf("marshaling destination: %w", err)
	}

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.CreatorID, p.Amount.AmountMinor, p.Amount.Currency, destination, p.Status, p.KYCVerified, p.AMLPassed,
		nullStr(p.ProviderID), nullStr(p.ProviderRef), p.IdempotencyKey, nullStr(p.FailureReason), p.EstimatedArrival,
		nullStr(p.WalletID), nullStr(p.DebitID), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payout: %w", err)
	}
	return nil
}

// GetPayout retrieves a payout by ID.
func (s *PostgresStore) GetPayout(ctx context.Context, id string) (*Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1`
	return scanPayout(s.pool.QueryRow(ctx, query, id))
}

// GetPayoutByProviderRef retrieves a payout by the processor's reference.
func (s *PostgresStore) GetPayoutByProviderRef(ctx context.Context, providerID, ref string) (*Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts WHERE provider_id = $1 AND provider_ref = $2`
	return scanPayout(s.pool.QueryRow(ctx, query, providerID, ref))
}

// UpdatePayout writes p if the stored status still equals expected.
func (s *PostgresStore) UpdatePayout(ctx context.Context, p *Payout, expected PayoutStatus) error {
	query := `
		UPDATE payouts SET
			status = $2, kyc_verified = $3, aml_passed = $4, provider_id = $5, provider_ref = $6,
			failure_reason = $7, estimated_arrival = $8, updated_at = $9
		WHERE id = $1 AND status = $10
	`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Status, p.KYCVerified, p.AMLPassed, nullStr(p.ProviderID), nullStr(p.ProviderRef),
		nullStr(p.FailureReason), p.EstimatedArrival, p.UpdatedAt, expected,
	)
	if err != nil {
		return fmt.Errorf("updating payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payout %s expected %s: %w", p.ID, expected, ErrStaleStatus)
	}
	return nil
}

// SumPayoutsSince totals processing and completed payouts for a creator.
func (s *PostgresStore) SumPayoutsSince(ctx context.Context, creatorID string, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount_minor), 0)
		FROM payouts
		WHERE creator_id = $1 AND created_at >= $2 AND status IN ('processing', 'completed')
	`
	var total int64
	if err := s.pool.QueryRow(ctx, query, creatorID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("summing payouts: %w", err)
	}
	return total, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var description, providerID, providerRef, failureReason *string

	err := row.Scan(
		&t.ID, &t.UserID, &t.Amount.AmountMinor, &t.Amount.Currency, &t.Method, &description, &t.Status,
		&providerID, &providerRef, &t.IdempotencyKey, &failureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	t.Description = derefStr(description)
	t.ProviderID = derefStr(providerID)
	t.ProviderRef = derefStr(providerRef)
	t.FailureReason = derefStr(failureReason)
	return &t, nil
}

func scanPayout(row pgx.Row) (*Payout, error) {
	var p Payout
	var destination []byte
	var providerID, providerRef, failureReason, walletID, debitID *string

	err := row.Scan(
		&p.ID, &p.CreatorID, &p.Amount.AmountMinor, &p.Amount.Currency, &destination, &p.Status,
		&p.KYCVerified, &p.AMLPassed, &providerID, &providerRef, &p.IdempotencyKey, &failureReason,
		&p.EstimatedArrival, &walletID, &debitID, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning payout: %w", err)
	}

	if err := json.Unmarshal(destination, &p.Destination); err != nil {
		return nil, fmt.Errorf("decoding destination: %w", err)
	}
	p.ProviderID = derefStr(providerID)
	p.ProviderRef = derefStr(providerRef)
	p.WalletID = derefStr(walletID)
	p.DebitID = derefStr(debitID)
	p.FailureReason = derefStr(failureReason)
	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
