package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/money"
	"creatorpay/internal/health"
	"creatorpay/internal/payments"
)

// Reasons a candidate is passed over without touching its health.
const (
	SkipUnknownProvider     = "unknown_provider"
	SkipUnsupportedCurrency = "unsupported_currency"
	SkipUnsupportedCountry  = "unsupported_country"
	SkipNoAdapter           = "no_adapter"
	SkipBelowMinimum        = "below_minimum"
	SkipCircuitOpen         = "circuit_open"
	SkipRejectedRequest     = "rejected_request"
)

// Attempt outcomes.
const (
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
	AttemptSkipped   = "skipped"
)

// Attempt records what happened with one candidate.
type Attempt struct {
	ProviderID string `json:"provider_id"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
}

// chain describes one walk over a candidate list.
type chain struct {
	kind       payments.ProviderKind
	currency   money.Currency
	candidates []string
	targetType string
	targetID   string
	// precheck returns a skip reason, or "" if the candidate is eligible.
	precheck func(d payments.ProviderDescriptor) string
	// call invokes the provider and returns a failure reason, or "" on success.
	call func(ctx context.Context, d payments.ProviderDescriptor) (string, error)
}

// run tries candidates in order until one succeeds. Each provider is tried at
// most once. Only real attempts touch the breaker.
func (s *Service) run(ctx context.Context, c chain) (*payments.ProviderDescriptor, []Attempt) {
	seen := make(map[string]bool, len(c.candidates))
	attempts := make([]Attempt, 0, len(c.candidates))

	skip := func(id, reason string) {
		attempts = append(attempts, Attempt{ProviderID: id, Outcome: AttemptSkipped, Reason: reason})
		s.logger.Debug("provider skipped", "provider", id, "reason", reason, c.targetType+"_id", c.targetID)
	}

	for _, id := range c.candidates {
		if seen[id] {
			continue
		}
		seen[id] = true

		d, ok := s.registry.Get(id)
		if !ok || d.Kind != c.kind {
			skip(id, SkipUnknownProvider)
			continue
		}
		if !d.SupportsCurrency(c.currency) {
			skip(id, SkipUnsupportedCurrency)
			continue
		}
		if reason := c.precheck(d); reason != "" {
			skip(id, reason)
			continue
		}

		allowed, tr := s.health.Allow(id)
		s.recordTransition(ctx, tr)
		if !allowed {
			skip(id, SkipCircuitOpen)
			continue
		}

		failure, err := s.safeCall(ctx, d, c.call)
		if err != nil {
			failure = err.Error()
		}
		if failure == "" {
			s.recordTransition(ctx, s.health.RecordSuccess(id))
			attempts = append(attempts, Attempt{ProviderID: id, Outcome: AttemptSucceeded})
			return &d, attempts
		}

		s.recordTransition(ctx, s.health.RecordFailure(id, failure))
		attempts = append(attempts, Attempt{ProviderID: id, Outcome: AttemptFailed, Reason: failure})
		s.record(ctx, audit.ActionProviderFailure, c.targetType, c.targetID, map[string]string{
			"provider": id,
			"reason":   failure,
		})
		s.logger.Warn("provider attempt failed",
			"provider", id,
			"reason", failure,
			c.targetType+"_id", c.targetID,
		)
	}
	return nil, attempts
}

// safeCall converts a provider panic into a provider failure.
func (s *Service) safeCall(ctx context.Context, d payments.ProviderDescriptor, call func(context.Context, payments.ProviderDescriptor) (string, error)) (failure string, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("provider panicked", "provider", d.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: provider %s panicked: %v", payments.ErrProvider, d.ID, r)
		}
	}()
	return call(ctx, d)
}

func (s *Service) recordTransition(ctx context.Context, tr *health.Transition) {
	if tr == nil {
		return
	}
	s.record(ctx, audit.ActionCircuitTransition, audit.TargetProvider, tr.ProviderID, tr)
	s.logger.Info("circuit transition",
		"provider", tr.ProviderID,
		"from", tr.From,
		"to", tr.To,
		"failures", tr.Failures,
	)
	if tr.To == health.StateOpen {
		s.publish(ctx, events.EventCircuitOpened, audit.TargetProvider, tr.ProviderID, events.CircuitData{
			ProviderID: tr.ProviderID,
			Failures:   tr.Failures,
			Reason:     tr.Reason,
		}, false)
	}
}

// exhaustionReason summarises every attempt for the failed record.
func exhaustionReason(attempts []Attempt) string {
	if len(attempts) == 0 {
		return payments.ErrExhausted.Error() + ": no candidates"
	}
	parts := make([]string, 0, len(attempts))
	for _, a := range attempts {
		if a.Outcome == AttemptSkipped {
			parts = append(parts, a.ProviderID+" skipped ("+a.Reason+")")
		} else {
			parts = append(parts, a.ProviderID+": "+a.Reason)
		}
	}
	return payments.ErrExhausted.Error() + ": " + strings.Join(parts, "; ")
}
