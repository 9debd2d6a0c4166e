// Package idempotency caches the outcome of side-effecting operations by key so
// that a retried request returns the original result instead of repeating the effect.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Config holds idempotency configuration.
type Config struct {
	TTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	LockTTL  time.Duration `envconfig:"IDEMPOTENCY_LOCK_TTL" default:"2m"`
	Backend  string        `envconfig:"IDEMPOTENCY_BACKEND" default:"memory"`
	RedisURL string        `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}

// DefaultTTL is how long a completed result is retained.
const DefaultTTL = 24 * time.Hour

// Store caches results by key and serialises concurrent callers that share a key.
type Store interface {
	// Get returns a completed result.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores a completed result unconditionally.
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// Acquire returns the cached result if the key has completed. Otherwise it
	// reserves the key for the caller, who must then call Complete or Abandon.
	// A caller that finds the key reserved by someone else either waits for the
	// result or receives payments.ErrInFlight.
	Acquire(ctx context.Context, key string) (payload []byte, found bool, err error)
	// Complete stores the result for a reserved key and releases waiters.
	Complete(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	// Abandon releases a reservation without storing a result.
	Abandon(ctx context.Context, key string) error
}

// Scoped keys keep payment, payout and webhook namespaces apart.
const (
	ScopePayment    = "payment"
	ScopePayout     = "payout"
	ScopeWithdrawal = "withdrawal"
	ScopeDeposit    = "deposit"
	ScopeTransfer   = "transfer"
	ScopeWebhook    = "webhook"
)

// Key namespaces a caller-supplied key.
func Key(scope, key string) string {
	return scope + ":" + key
}

// DeriveKey builds a deterministic key from request attributes for callers that
// did not supply one.
func DeriveKey(scope, userID string, amountMinor int64, currency, nonce string) string {
	h := sha256.New()
	for _, part := range []string{userID, strconv.FormatInt(amountMinor, 10), currency, nonce} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return Key(scope, hex.EncodeToString(h.Sum(nil)))
}

// WebhookKey is the dedup key for one reported status of one provider event.
func WebhookKey(providerID, externalID, status string) string {
	return Key(ScopeWebhook, providerID+":"+externalID+":"+status)
}
