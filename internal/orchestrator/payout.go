package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"creatorpay/internal/audit"
	"creatorpay/internal/common/events"
	"creatorpay/internal/common/money"
	"creatorpay/internal/compliance"
	"creatorpay/internal/idempotency"
	"creatorpay/internal/payments"
	"creatorpay/internal/providers"
	"creatorpay/internal/routing"
)

// PayoutRequest sends money to a creator through the payout provider chain.
type PayoutRequest struct {
	CreatorID         string               `json:"creator_id" validate:"required,max=128"`
	AmountMinor       int64                `json:"amount_minor" validate:"gt=0"`
	Currency          string               `json:"currency" validate:"required,len=3"`
	Destination       payments.Destination `json:"destination" validate:"required"`
	Description       string               `json:"description,omitempty" validate:"max=500"`
	PreferredProvider string               `json:"preferred_provider,omitempty"`
	IdempotencyKey    string               `json:"idempotency_key,omitempty" validate:"max=255"`
	Nonce             string               `json:"nonce,omitempty" validate:"max=255"`
}

// PayoutResult is the cached outcome of a payout.
type PayoutResult struct {
	Success           bool                  `json:"success"`
	Code              string                `json:"code,omitempty"`
	Error             string                `json:"error,omitempty"`
	PayoutID          string                `json:"payout_id"`
	Status            payments.PayoutStatus `json:"status"`
	ProviderID        string                `json:"provider_id,omitempty"`
	ProviderReference string                `json:"provider_reference,omitempty"`
	Amount            money.Money           `json:"amount"`
	Fee               *money.Money          `json:"fee,omitempty"`
	EstimatedArrival  *time.Time            `json:"estimated_arrival,omitempty"`
	Compliance        compliance.Result     `json:"compliance"`
	Attempts          []Attempt             `json:"attempts"`
	IdempotencyKey    string                `json:"idempotency_key"`
}

// Err returns the error class the result represents, or nil on success.
func (r *PayoutResult) Err() error {
	return resultErr(r.Code, r.Error)
}

// ProcessPayout pays a creator. Compliance runs before any provider is
// contacted; a failed check ends the payout without a provider call.
func (s *Service) ProcessPayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.AmountMinor, req.Currency)
	if err != nil {
		return nil, err
	}

	key := requestKey(idempotency.ScopePayout, req.IdempotencyKey, req.CreatorID, req.AmountMinor, string(amount.Currency), req.Nonce)
	res := &PayoutResult{}
	if _, err := s.once(ctx, key, res, func(ctx context.Context) (bool, error) {
		return s.executePayout(ctx, req, amount, key, payoutRun{id: ulid.Make().String()}, res)
	}); err != nil {
		return nil, err
	}
	return res, res.Err()
}

// payoutRun carries what a caller already knows about a payout.
type payoutRun struct {
	id string
	// pre is a compliance result the caller already obtained.
	pre *compliance.Result
	// walletID and debitID link a withdrawal payout to its funding debit.
	walletID string
	debitID  string
}

// executePayout runs the payout state machine and fills res. Once a provider
// has accepted the payout it never returns an error, and res.Success is set
// before anything is persisted, so callers cannot mistake an accepted payout
// for a failed one.
func (s *Service) executePayout(ctx context.Context, req PayoutRequest, amount money.Money, key string, run payoutRun, res *PayoutResult) (bool, error) {
	p := payments.NewPayout(run.id, req.CreatorID, amount, req.Destination, key)
	if run.debitID != "" {
		p.FundedByDebit(run.walletID, run.debitID)
	}
	if err := s.store.CreatePayout(ctx, p); err != nil {
		return false, err
	}
	s.record(ctx, audit.ActionPayoutCreated, audit.TargetPayout, p.ID, p)

	*res = PayoutResult{
		PayoutID:       p.ID,
		Amount:         amount,
		Attempts:       []Attempt{},
		IdempotencyKey: key,
	}

	var check compliance.Result
	if run.pre != nil {
		check = *run.pre
	} else {
		check = s.gate.CheckCompliance(ctx, req.CreatorID, amount.AmountMinor)
	}
	res.Compliance = check
	p.SetCompliance(check.Verified && check.AgeVerified, check.AMLPassed)

	from := p.Status
	if !check.Passed() {
		reason := payments.ErrCompliance.Error() + ": " + check.Reason
		if err := p.MarkFailed(reason); err != nil {
			return false, err
		}
		p = s.savePayout(ctx, p, from)

		res.Code = payments.CodeComplianceFailed
		res.Error = reason
		res.Status = p.Status

		s.logger.Warn("payout blocked by compliance", "payout_id", p.ID, "creator_id", req.CreatorID, "reason", check.Reason)
		s.publish(ctx, events.EventPayoutFailed, audit.TargetPayout, p.ID, payoutData(p, reason), false)
		return true, nil
	}
	if err := s.store.UpdatePayout(ctx, p, from); err != nil {
		s.logger.Error("failed to persist compliance flags", "error", err, "payout_id", p.ID)
	}

	candidates := s.routes.Resolve(routing.Request{
		Kind:              payments.KindPayout,
		Method:            req.Destination.Type,
		Currency:          amount.Currency,
		AmountMinor:       amount.AmountMinor,
		PreferredProvider: req.PreferredProvider,
	})

	var resp *providers.PayoutResponse
	winner, attempts := s.run(ctx, chain{
		kind:       payments.KindPayout,
		currency:   amount.Currency,
		candidates: candidates,
		targetType: audit.TargetPayout,
		targetID:   p.ID,
		precheck: func(d payments.ProviderDescriptor) string {
			if _, ok := s.providers.Payout(d.ID); !ok {
				return SkipNoAdapter
			}
			if !d.SupportsCountry(req.Destination.Country) {
				return SkipUnsupportedCountry
			}
			if amount.AmountMinor < d.MinAmountMinor {
				return SkipBelowMinimum
			}
			return ""
		},
		call: func(ctx context.Context, d payments.ProviderDescriptor) (string, error) {
			pp, _ := s.providers.Payout(d.ID)
			r, err := pp.ProcessPayout(ctx, providers.PayoutRequest{
				PayoutID:       p.ID,
				CreatorID:      req.CreatorID,
				Amount:         amount,
				Destination:    req.Destination,
				Description:    req.Description,
				IdempotencyKey: key,
			})
			if err != nil {
				return "", err
			}
			if r == nil || !r.Success {
				if r != nil && r.Error != "" {
					return r.Error, nil
				}
				return "declined", nil
			}
			resp = r
			return "", nil
		},
	})
	res.Attempts = attempts

	from = p.Status
	if winner != nil {
		fee := winner.Fee(amount)
		res.Success = true
		res.ProviderID = winner.ID
		res.ProviderReference = resp.ProviderPayoutID
		res.Fee = &fee
		res.EstimatedArrival = resp.EstimatedArrival
		res.Status = payments.PayoutProcessing

		if err := p.MarkProcessing(winner.ID, resp.ProviderPayoutID, resp.EstimatedArrival); err != nil {
			s.logger.Error("failed to mark payout processing", "error", err, "payout_id", p.ID)
		} else {
			p = s.savePayout(ctx, p, from)
		}
		res.Status = p.Status

		s.logger.Info("payout accepted",
			"payout_id", p.ID,
			"provider", winner.ID,
			"amount", amount.AmountMinor,
			"currency", amount.Currency,
		)
		s.publish(ctx, events.EventPayoutProcessing, audit.TargetPayout, p.ID, payoutData(p, ""), false)
		return true, nil
	}

	reason := exhaustionReason(attempts)
	if err := p.MarkFailed(reason); err != nil {
		return false, err
	}
	p = s.savePayout(ctx, p, from)

	res.Code = payments.CodeExhausted
	res.Error = reason
	res.Status = p.Status

	s.logger.Warn("payout failed", "payout_id", p.ID, "reason", reason)
	s.publish(ctx, events.EventPayoutFailed, audit.TargetPayout, p.ID, payoutData(p, reason), false)
	return true, nil
}

func payoutData(p *payments.Payout, reason string) events.PayoutData {
	return events.PayoutData{
		PayoutID:    p.ID,
		CreatorID:   p.CreatorID,
		ProviderID:  p.ProviderID,
		AmountMinor: p.Amount.AmountMinor,
		Currency:    string(p.Amount.Currency),
		Reason:      reason,
	}
}

// savePayout persists p if the stored status is still expected. A payout a
// webhook already advanced keeps its stored status and only gains provider
// details.
func (s *Service) savePayout(ctx context.Context, p *payments.Payout, expected payments.PayoutStatus) *payments.Payout {
	err := s.store.UpdatePayout(ctx, p, expected)
	if err == nil {
		s.record(ctx, audit.ActionPayoutUpdated, audit.TargetPayout, p.ID, map[string]any{
			"from":     expected,
			"to":       p.Status,
			"provider": p.ProviderID,
			"reason":   p.FailureReason,
		})
		return p
	}
	if !errors.Is(err, payments.ErrStaleStatus) {
		s.logger.Error("failed to persist payout", "error", err, "payout_id", p.ID, "status", p.Status)
		return p
	}

	current, gErr := s.store.GetPayout(ctx, p.ID)
	if gErr != nil {
		s.logger.Error("failed to reload payout", "error", gErr, "payout_id", p.ID)
		return p
	}
	s.logger.Warn("payout advanced concurrently",
		"payout_id", p.ID,
		"stored_status", current.Status,
		"local_status", p.Status,
	)
	current.Annotate(p.ProviderID, p.ProviderRef)
	if current.EstimatedArrival == nil {
		current.EstimatedArrival = p.EstimatedArrival
	}
	if err := s.store.UpdatePayout(ctx, current, current.Status); err != nil {
		s.logger.Error("failed to annotate payout", "error", err, "payout_id", p.ID)
	}
	return current
}
