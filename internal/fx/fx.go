// Package fx converts amounts between the settlement currency (USD) and the
// local currencies the index markets quote in.
//
// Only static placeholder tables exist today. Call sites depend on the
// Converter interface so a live-rate implementation can replace them.
package fx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// USD is the account and settlement currency.
const USD = "USD"

// ErrUnknownCurrency is returned when a currency has no rate in the table.
var ErrUnknownCurrency = errors.New("fx: unknown currency")

// Converter converts amount from one currency into another.
type Converter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Rate describes one currency against USD. Either side may be left zero;
// it is then derived as the reciprocal of the other.
type Rate struct {
	ToUSD   decimal.Decimal // USD per 1 unit
	FromUSD decimal.Decimal // units per 1 USD
}

func rate(toUSD, fromUSD float64) Rate {
	return Rate{ToUSD: decimal.NewFromFloat(toUSD), FromUSD: decimal.NewFromFloat(fromUSD)}
}

// AmountRates backs the position-size amount conversions on the trade form.
var AmountRates = map[string]Rate{
	"HKD": rate(0, 7.8),
	"SGD": rate(0, 1.3),
}

// DisplayRates backs the USD figures shown next to local index values.
var DisplayRates = map[string]Rate{
	"HKD": rate(0.13, 7.69),
	"SGD": rate(0.74, 1.35),
	"AED": rate(0.27, 3.67),
	"GBP": rate(1.24, 0.81),
	"AUD": rate(0.66, 0),
}

// StaticConverter converts with a fixed table, pivoting through USD.
type StaticConverter struct {
	rates map[string]Rate
}

// NewStaticConverter copies the table, normalizing currency codes to upper
// case and filling in missing directions.
func NewStaticConverter(rates map[string]Rate) *StaticConverter {
	one := decimal.NewFromInt(1)
	table := make(map[string]Rate, len(rates))
	for code, r := range rates {
		if r.ToUSD.IsZero() && r.FromUSD.IsPositive() {
			r.ToUSD = one.DivRound(r.FromUSD, 16)
		}
		if r.FromUSD.IsZero() && r.ToUSD.IsPositive() {
			r.FromUSD = one.DivRound(r.ToUSD, 16)
		}
		if !r.ToUSD.IsPositive() || !r.FromUSD.IsPositive() {
			continue
		}
		table[strings.ToUpper(code)] = r
	}
	return &StaticConverter{rates: table}
}

// Convert implements Converter.
func (c *StaticConverter) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		if from != USD && !c.Supports(from) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
		}
		return amount, nil
	}

	usd := amount
	if from != USD {
		r, ok := c.rates[from]
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
		}
		usd = amount.Mul(r.ToUSD)
	}
	if to == USD {
		return usd, nil
	}

	r, ok := c.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return usd.Mul(r.FromUSD), nil
}

// Supports reports whether code has a rate in the table.
func (c *StaticConverter) Supports(code string) bool {
	_, ok := c.rates[strings.ToUpper(code)]
	return ok
}
