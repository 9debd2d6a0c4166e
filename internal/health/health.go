// Package health tracks per-provider failures and implements the circuit breaker
// that keeps failing providers out of rotation for a cooldown period.
package health

import (
	"sort"
	"sync"
	"time"
)

// State is the circuit breaker state of one provider.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker configuration.
type Config struct {
	FailureThreshold int           `envconfig:"CIRCUIT_FAILURE_THRESHOLD" default:"5"`
	Cooldown         time.Duration `envconfig:"CIRCUIT_COOLDOWN" default:"300s"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 5 * time.Minute}
}

// Health is a point-in-time view of one provider's breaker.
type Health struct {
	ProviderID          string     `json:"provider_id"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	LastReason          string     `json:"last_reason,omitempty"`
}

// Transition describes a breaker state change. Callers write it to the audit trail.
type Transition struct {
	ProviderID string    `json:"provider_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Failures   int       `json:"failures"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

type breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	lastReason  string
	// probeAt is when the half-open trial attempt was let through; zero when
	// no trial is in flight.
	probeAt time.Time
}

// Tracker holds one breaker per provider. Each breaker has its own lock; the
// map lock is only taken for writing when a provider is seen for the first time.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	breakers map[string]*breaker
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	t := &Tracker{cfg: cfg, now: time.Now, breakers: make(map[string]*breaker)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) get(id string) *breaker {
	t.mu.RLock()
	b, ok := t.breakers[id]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.breakers[id]; !ok {
		b = &breaker{state: StateClosed}
		t.breakers[id] = b
	}
	return b
}

// effectiveState must be called with b.mu held.
func (t *Tracker) effectiveState(b *breaker, now time.Time) State {
	if b.state == StateOpen && now.Sub(b.lastFailure) >= t.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// probing must be called with b.mu held. A trial that never reported back
// stops counting after one cooldown.
func (t *Tracker) probing(b *breaker, now time.Time) bool {
	return !b.probeAt.IsZero() && now.Sub(b.probeAt) < t.cfg.Cooldown
}

// IsHealthy reports whether the provider may be attempted. It is true when the
// breaker is closed, or the cooldown has elapsed and no trial is in flight.
func (t *Tracker) IsHealthy(id string) bool {
	b := t.get(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	switch t.effectiveState(b, now) {
	case StateOpen:
		return false
	case StateHalfOpen:
		return !t.probing(b, now)
	}
	return true
}

// Allow is IsHealthy for callers about to dispatch an attempt. Once the
// cooldown has elapsed exactly one caller is let through as the trial; others
// are refused until it records a result. The first trial also moves the
// breaker to half-open and returns that transition.
func (t *Tracker) Allow(id string) (bool, *Transition) {
	b := t.get(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	switch t.effectiveState(b, now) {
	case StateOpen:
		return false, nil
	case StateClosed:
		return true, nil
	}

	if t.probing(b, now) {
		return false, nil
	}
	b.probeAt = now
	if b.state == StateOpen {
		b.state = StateHalfOpen
		return true, &Transition{ProviderID: id, From: StateOpen, To: StateHalfOpen, Failures: b.failures, At: now}
	}
	return true, nil
}

// RecordFailure counts a failed attempt. A failure at or beyond the threshold,
// or any failure while half-open, opens the breaker and restarts the cooldown.
func (t *Tracker) RecordFailure(id, reason string) *Transition {
	b := t.get(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	from := t.effectiveState(b, now)
	b.probeAt = time.Time{}
	b.failures++
	b.lastFailure = now
	b.lastReason = reason

	if from == StateHalfOpen || b.failures >= t.cfg.FailureThreshold {
		b.state = StateOpen
	}
	if b.state == from {
		return nil
	}
	return &Transition{ProviderID: id, From: from, To: b.state, Failures: b.failures, Reason: reason, At: now}
}

// RecordSuccess closes the breaker and resets the failure count.
func (t *Tracker) RecordSuccess(id string) *Transition {
	b := t.get(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := t.now()
	from := t.effectiveState(b, now)
	failures := b.failures
	b.probeAt = time.Time{}
	b.state = StateClosed
	b.failures = 0
	b.lastReason = ""

	if from == StateClosed {
		return nil
	}
	return &Transition{ProviderID: id, From: from, To: StateClosed, Failures: failures, At: now}
}

// Snapshot returns the current health of one provider.
func (t *Tracker) Snapshot(id string) Health {
	b := t.get(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	return t.snapshot(id, b)
}

func (t *Tracker) snapshot(id string, b *breaker) Health {
	h := Health{
		ProviderID:          id,
		State:               t.effectiveState(b, t.now()),
		ConsecutiveFailures: b.failures,
		LastReason:          b.lastReason,
	}
	if !b.lastFailure.IsZero() {
		at := b.lastFailure
		h.LastFailureAt = &at
	}
	return h
}

// Snapshots returns the health of every provider seen so far, sorted by id.
func (t *Tracker) Snapshots() []Health {
	t.mu.RLock()
	ids := make([]string, 0, len(t.breakers))
	for id := range t.breakers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Health, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.Snapshot(id))
	}
	return out
}
