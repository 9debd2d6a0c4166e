// Package compliance runs the KYC and AML checks that gate every payout.
package compliance

import (
	"context"
	"log/slog"
	"time"
)

// Config holds AML ceilings in minor units.
type Config struct {
	LargeAmountCeiling int64 `envconfig:"AML_LARGE_AMOUNT_CEILING" default:"1000000"`
	DailyCeiling       int64 `envconfig:"AML_DAILY_CEILING" default:"2500000"`
}

// Failure reasons reported on a failed check.
const (
	ReasonIdentityUnverified = "kyc_identity_unverified"
	ReasonAgeUnverified      = "kyc_age_unverified"
	ReasonLargeAmount        = "aml_large_amount"
	ReasonDailyLimit         = "aml_daily_limit_exceeded"
	ReasonUnavailable        = "compliance_unavailable"
)

// KYCStatus is what the identity provider knows about a creator.
type KYCStatus struct {
	IdentityVerified bool `json:"identity_verified"`
	AgeVerified      bool `json:"age_verified"`
}

// KYCSource looks up a creator's verification status.
type KYCSource interface {
	KYCStatus(ctx context.Context, creatorID string) (KYCStatus, error)
}

// PayoutTotals reports how much a creator has already been paid out.
type PayoutTotals interface {
	SumPayoutsSince(ctx context.Context, creatorID string, since time.Time) (int64, error)
}

// Result is the outcome of a compliance check.
type Result struct {
	Verified    bool   `json:"verified"`
	AgeVerified bool   `json:"age_verified"`
	AMLPassed   bool   `json:"aml_passed"`
	Reason      string `json:"reason,omitempty"`
}

// Passed reports whether the payout may proceed to routing.
func (r Result) Passed() bool {
	return r.Verified && r.AgeVerified && r.AMLPassed
}

// Gate evaluates KYC and AML rules.
type Gate struct {
	cfg    Config
	kyc    KYCSource
	totals PayoutTotals
	now    func() time.Time
	logger *slog.Logger
}

// NewGate creates a compliance gate.
func NewGate(cfg Config, kyc KYCSource, totals PayoutTotals, logger *slog.Logger) *Gate {
	return &Gate{cfg: cfg, kyc: kyc, totals: totals, now: time.Now, logger: logger}
}

// CheckCompliance evaluates whether creatorID may receive amountMinor.
// Lookup failures fail closed: the result is a failed check, not an error to retry around.
func (g *Gate) CheckCompliance(ctx context.Context, creatorID string, amountMinor int64) Result {
	status, err := g.kyc.KYCStatus(ctx, creatorID)
	if err != nil {
		g.logger.Error("kyc lookup failed", "creator_id", creatorID, "error", err)
		return Result{Reason: ReasonUnavailable}
	}

	res := Result{Verified: status.IdentityVerified, AgeVerified: status.AgeVerified}
	switch {
	case !status.IdentityVerified:
		res.Reason = ReasonIdentityUnverified
		return res
	case !status.AgeVerified:
		res.Reason = ReasonAgeUnverified
		return res
	}

	if g.cfg.LargeAmountCeiling > 0 && amountMinor > g.cfg.LargeAmountCeiling {
		res.Reason = ReasonLargeAmount
		return res
	}

	if g.cfg.DailyCeiling > 0 {
		total, err := g.totals.SumPayoutsSince(ctx, creatorID, g.now().Add(-24*time.Hour))
		if err != nil {
			g.logger.Error("daily payout total lookup failed", "creator_id", creatorID, "error", err)
			res.Reason = ReasonUnavailable
			return res
		}
		if total+amountMinor > g.cfg.DailyCeiling {
			res.Reason = ReasonDailyLimit
			return res
		}
	}

	res.AMLPassed = true
	return res
}

// StaticKYC is a fixed KYC table, used in tests and local development.
type StaticKYC map[string]KYCStatus

func (s StaticKYC) KYCStatus(_ context.Context, creatorID string) (KYCStatus, error) {
	return s[creatorID], nil
}
