// Package payments holds the domain model shared by the orchestration engine:
// provider descriptors, transactions, payouts and their state machines.
package payments

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"creatorpay/internal/common/money"
)

// ProviderKind distinguishes inbound payment processors from outbound payout processors.
type ProviderKind string

const (
	KindPayment ProviderKind = "payment"
	KindPayout  ProviderKind = "payout"
)

// Method is the payment method family a provider serves.
type Method string

const (
	MethodCard    Method = "card"
	MethodCrypto  Method = "crypto"
	MethodBank    Method = "bank"
	MethodEWallet Method = "ewallet"
	MethodCheck   Method = "check"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodCrypto, MethodBank, MethodEWallet, MethodCheck:
		return true
	}
	return false
}

// ProviderDescriptor is the static, immutable description of one processor.
type ProviderDescriptor struct {
	ID             string       `json:"id" yaml:"id"`
	Kind           ProviderKind `json:"kind" yaml:"kind"`
	Method         Method       `json:"method" yaml:"method"`
	Currencies     []string     `json:"currencies" yaml:"currencies"`
	Countries      []string     `json:"countries,omitempty" yaml:"countries"`
	MinAmountMinor int64        `json:"min_amount_minor,omitempty" yaml:"min_amount_minor"`
	FeeBasisPoints int64        `json:"fee_basis_points" yaml:"fee_basis_points"`
}

// Validate checks the descriptor is well formed.
func (d ProviderDescriptor) Validate() error {
	if d.ID == "" {
		return errors.New("provider id is required")
	}
	if d.Kind != KindPayment && d.Kind != KindPayout {
		return fmt.Errorf("provider %s: unknown kind %q", d.ID, d.Kind)
	}
	if !d.Method.Valid() {
		return fmt.Errorf("provider %s: unknown method %q", d.ID, d.Method)
	}
	if len(d.Currencies) == 0 {
		return fmt.Errorf("provider %s: at least one currency is required", d.ID)
	}
	if d.Kind == KindPayment && (len(d.Countries) > 0 || d.MinAmountMinor != 0) {
		return fmt.Errorf("provider %s: countries and minimum amount apply to payout providers only", d.ID)
	}
	if d.MinAmountMinor < 0 || d.FeeBasisPoints < 0 {
		return fmt.Errorf("provider %s: minimum amount and fee must not be negative", d.ID)
	}
	return nil
}

// SupportsCurrency reports whether the provider accepts the currency.
func (d ProviderDescriptor) SupportsCurrency(c money.Currency) bool {
	return slices.ContainsFunc(d.Currencies, func(s string) bool {
		return strings.EqualFold(s, string(c))
	})
}

// SupportsCountry reports whether a payout provider can deliver to the country.
// An empty country list means global coverage.
func (d ProviderDescriptor) SupportsCountry(country string) bool {
	if len(d.Countries) == 0 || country == "" {
		return true
	}
	return slices.ContainsFunc(d.Countries, func(s string) bool {
		return strings.EqualFold(s, country)
	})
}

// Fee returns the provider fee for an amount.
func (d ProviderDescriptor) Fee(amount money.Money) money.Money {
	return amount.Percentage(d.FeeBasisPoints)
}

// Clone returns a deep copy so callers cannot mutate registered slices.
func (d ProviderDescriptor) Clone() ProviderDescriptor {
	d.Currencies = slices.Clone(d.Currencies)
	d.Countries = slices.Clone(d.Countries)
	return d
}

// Destination describes where a payout is delivered.
type Destination struct {
	Type    Method `json:"type" validate:"required"`
	Account string `json:"account" validate:"required"`
	Name    string `json:"name,omitempty"`
	Country string `json:"country,omitempty" validate:"omitempty,len=2"`
}

// Object names the kind of record a webhook reports on.
type Object string

const (
	ObjectPayment Object = "payment"
	ObjectPayout  Object = "payout"
)
