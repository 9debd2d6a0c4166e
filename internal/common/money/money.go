package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	CAD Currency = "CAD"
	AUD Currency = "AUD"
	JPY Currency = "JPY"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code        Currency
	MinorUnits  int32 // Number of decimal places
	Symbol      string
	SymbolFirst bool
}

var currencies = map[Currency]CurrencyInfo{
	USD: {Code: USD, MinorUnits: 2, Symbol: "$", SymbolFirst: true},
	EUR: {Code: EUR, MinorUnits: 2, Symbol: "€", SymbolFirst: true},
	GBP: {Code: GBP, MinorUnits: 2, Symbol: "£", SymbolFirst: true},
	CAD: {Code: CAD, MinorUnits: 2, Symbol: "CA$", SymbolFirst: true},
	AUD: {Code: AUD, MinorUnits: 2, Symbol: "A$", SymbolFirst: true},
	JPY: {Code: JPY, MinorUnits: 0, Symbol: "¥", SymbolFirst: true},
}

// GetCurrencyInfo returns info about a currency
func GetCurrencyInfo(c Currency) (CurrencyInfo, bool) {
	info, ok := currencies[c]
	return info, ok
}

// ParseCurrency normalises a currency code to upper case.
func ParseCurrency(code string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(code)))
}

// Key is the lower-case form used in routing keys (e.g. "usd").
func (c Currency) Key() string {
	return strings.ToLower(string(c))
}

func (c Currency) minorUnits() int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Money represents a monetary amount in minor units (cents, pence, etc.)
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// ParseMajor creates Money from a major-unit decimal string such as "12.50".
func ParseMajor(amount string, currency Currency) (Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", amount, err)
	}
	minor := d.Shift(currency.minorUnits())
	if !minor.Equal(minor.Truncate(0)) {
		return Money{}, fmt.Errorf("amount %q has more precision than %s allows", amount, currency)
	}
	return Money{AmountMinor: minor.IntPart(), Currency: currency}, nil
}

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool {
	return m.AmountMinor > 0
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("currency mismatch: %s vs %s", m.Currency, other.Currency)
	}
	return Money{AmountMinor: m.AmountMinor + other.AmountMinor, Currency: m.Currency}, nil
}

// Percentage calculates a basis-point share of the amount, rounded half up.
func (m Money) Percentage(basisPoints int64) Money {
	share := decimal.NewFromInt(m.AmountMinor).
		Mul(decimal.NewFromInt(basisPoints)).
		Div(decimal.NewFromInt(10000)).
		Round(0)
	return Money{AmountMinor: share.IntPart(), Currency: m.Currency}
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -m.Currency.minorUnits())
}

// MajorString renders the amount in major units with the currency's precision.
func (m Money) MajorString() string {
	return m.Decimal().StringFixed(m.Currency.minorUnits())
}

// String returns a human-readable representation
func (m Money) String() string {
	info, ok := currencies[m.Currency]
	if !ok {
		return fmt.Sprintf("%s %s", m.MajorString(), m.Currency)
	}
	if info.SymbolFirst {
		return info.Symbol + m.MajorString()
	}
	return m.MajorString() + info.Symbol
}
