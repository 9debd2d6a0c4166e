// Package audit records an append-only trail of state changes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Actions written by the engine.
const (
	ActionTransactionCreated = "transaction.created"
	ActionTransactionUpdated = "transaction.updated"
	ActionPayoutCreated      = "payout.created"
	ActionPayoutUpdated      = "payout.updated"
	ActionProviderFailure    = "provider.failure"
	ActionCircuitTransition  = "circuit.transition"
	ActionLedgerDebit        = "ledger.debit"
	ActionLedgerCredit       = "ledger.credit"
	ActionLedgerRefund       = "ledger.refund"
	ActionLedgerTransfer     = "ledger.transfer"
	ActionCompensationFailed = "withdrawal.compensation_failed"
	ActionDepositCompFailed  = "deposit.compensation_failed"
	ActionProviderRefund     = "provider.refund"
	ActionWebhookApplied     = "webhook.applied"
	ActionWebhookIgnored     = "webhook.ignored"
	ActionWebhookRejected    = "webhook.rejected"
)

// Target types.
const (
	TargetTransaction = "transaction"
	TargetPayout      = "payout"
	TargetProvider    = "provider"
	TargetWallet      = "wallet"
	TargetWebhook     = "webhook"
)

// ActorSystem is used for changes the engine makes on its own behalf.
const ActorSystem = "system"

// Entry is one audit record.
type Entry struct {
	ID         string          `json:"id"`
	ActorID    string          `json:"actor_id"`
	Action     string          `json:"action"`
	TargetType string          `json:"target_type"`
	TargetID   string          `json:"target_id"`
	Diff       json.RawMessage `json:"diff,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// NewEntry builds an entry, marshaling diff to JSON.
func NewEntry(actorID, action, targetType, targetID string, diff any) Entry {
	e := Entry{
		ID:         ulid.Make().String(),
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		CreatedAt:  time.Now().UTC(),
	}
	if diff != nil {
		if b, err := json.Marshal(diff); err == nil {
			e.Diff = b
		}
	}
	return e
}

// Sink receives audit entries.
type Sink interface {
	Append(ctx context.Context, entry Entry) error
}

// Memory is an in-process Sink.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of all entries in append order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// ByAction returns entries with the given action.
func (m *Memory) ByAction(action string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// Postgres writes entries to the audit_log table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres sink.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Append(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO audit_log (id, actor_id, action, target_type, target_id, diff, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	diff := []byte(e.Diff)
	if len(diff) == 0 {
		diff = nil
	}
	if _, err := p.pool.Exec(ctx, query, e.ID, e.ActorID, e.Action, e.TargetType, e.TargetID, diff, e.CreatedAt); err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}
