// Package routing maps a payment or payout request to an ordered list of candidate providers.
package routing

import (
	"fmt"
	"slices"

	"creatorpay/internal/common/money"
	"creatorpay/internal/payments"
)

// Well-known chain keys.
const (
	ChainDefault      = "default"
	ChainPayoutGlobal = "payout_global"
	ChainEnterprise   = "enterprise"
)

// Request carries the attributes routing depends on.
type Request struct {
	Kind              payments.ProviderKind
	Method            payments.Method
	Currency          money.Currency
	AmountMinor       int64
	PreferredProvider string
}

// Table is an immutable set of routing chains.
type Table struct {
	chains             map[string][]string
	highValueThreshold int64
}

// NewTable validates chains and builds a Table. The default and payout_global
// chains must be present and non-empty so that resolution always yields candidates.
func NewTable(chains map[string][]string, highValueThreshold int64) (*Table, error) {
	for _, key := range []string{ChainDefault, ChainPayoutGlobal} {
		if len(chains[key]) == 0 {
			return nil, fmt.Errorf("routing table is missing the %q chain", key)
		}
	}
	if highValueThreshold < 0 {
		return nil, fmt.Errorf("high value threshold must not be negative")
	}

	copied := make(map[string][]string, len(chains))
	for k, v := range chains {
		copied[k] = slices.Clone(v)
	}
	return &Table{chains: copied, highValueThreshold: highValueThreshold}, nil
}

// Keys returns the chain keys consulted for req, most specific first.
func (t *Table) Keys(req Request) []string {
	cur := req.Currency.Key()

	if req.Kind == payments.KindPayout {
		return []string{"payout_" + cur, ChainPayoutGlobal}
	}

	method := string(req.Method)
	keys := make([]string, 0, 5)
	switch req.Method {
	case payments.MethodCrypto, payments.MethodBank:
	default:
		if t.highValueThreshold > 0 && req.AmountMinor > t.highValueThreshold {
			keys = append(keys, ChainEnterprise+"_"+cur, ChainEnterprise)
		}
	}
	return append(keys, method+"_"+cur, method, ChainDefault)
}

// Resolve returns the ordered candidate provider ids for req. It never returns
// an empty list. A preferred provider is tried first and the chain follows it.
func (t *Table) Resolve(req Request) []string {
	var chain []string
	for _, key := range t.Keys(req) {
		if c := t.chains[key]; len(c) > 0 {
			chain = c
			break
		}
	}

	out := make([]string, 0, len(chain)+1)
	if req.PreferredProvider != "" {
		out = append(out, req.PreferredProvider)
	}
	for _, id := range chain {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Chains returns a copy of the configured chains.
func (t *Table) Chains() map[string][]string {
	out := make(map[string][]string, len(t.chains))
	for k, v := range t.chains {
		out[k] = slices.Clone(v)
	}
	return out
}

// HighValueThreshold returns the amount above which the enterprise chain applies.
func (t *Table) HighValueThreshold() int64 {
	return t.highValueThreshold
}
