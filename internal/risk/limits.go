// Package risk implements pre-trade limits for leveraged index positions.
//
// Limits are checked before a position is journaled. The aggregate open
// notional a player holds in one market can optionally be capped.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrLeverageOutOfRange is returned when leverage falls outside
	// [MinLeverage, MaxLeverage].
	ErrLeverageOutOfRange = errors.New("risk: leverage out of range")

	// ErrInvalidPositionSize is returned for zero or negative notionals.
	ErrInvalidPositionSize = errors.New("risk: position size must be positive")

	// ErrPositionTooLarge is returned when the notional exceeds
	// balance × leverage.
	ErrPositionTooLarge = errors.New("risk: position size exceeds buying power")

	// ErrMarketExposureExceeded is returned when a trade would push the
	// open notional in one market beyond MaxMarketExposure.
	ErrMarketExposureExceeded = errors.New("risk: market exposure limit exceeded")
)

// Limits holds the trading bounds. A zero MaxMarketExposure disables the
// per-market cap.
type Limits struct {
	MinLeverage       decimal.Decimal
	MaxLeverage       decimal.Decimal
	MaxMarketExposure decimal.Decimal
}

// DefaultLimits matches the leverage slider of the trading screen (1x to 20x)
// with no exposure cap.
func DefaultLimits() Limits {
	return Limits{
		MinLeverage: decimal.NewFromInt(1),
		MaxLeverage: decimal.NewFromInt(20),
	}
}

// NewLimits creates limits with the given maximum leverage and per-market
// exposure cap. A maxLeverage below MinLeverage falls back to the default.
func NewLimits(maxLeverage, maxMarketExposure decimal.Decimal) Limits {
	l := DefaultLimits()
	if maxLeverage.GreaterThanOrEqual(l.MinLeverage) {
		l.MaxLeverage = maxLeverage
	}
	if maxMarketExposure.IsPositive() {
		l.MaxMarketExposure = maxMarketExposure
	}
	return l
}

// CheckLeverage validates the leverage multiplier.
func (l Limits) CheckLeverage(leverage decimal.Decimal) error {
	if leverage.LessThan(l.MinLeverage) || leverage.GreaterThan(l.MaxLeverage) {
		return ErrLeverageOutOfRange
	}
	return nil
}

// CheckPositionSize validates a notional against the account's buying power.
func (l Limits) CheckPositionSize(size, balance, leverage decimal.Decimal) error {
	if !size.IsPositive() {
		return ErrInvalidPositionSize
	}
	if size.GreaterThan(balance.Mul(leverage)) {
		return ErrPositionTooLarge
	}
	return nil
}

// CheckExposure validates whether adding delta notional to marketKey keeps
// the player's open notional in that market within the cap.
//
// existing maps market key → current open notional for this player.
func (l Limits) CheckExposure(
	marketKey string,
	delta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if !l.MaxMarketExposure.IsPositive() {
		return nil
	}
	if existing[marketKey].Add(delta).Abs().GreaterThan(l.MaxMarketExposure) {
		return ErrMarketExposureExceeded
	}
	return nil
}

// Check runs every limit in order and returns the first violation.
func (l Limits) Check(
	marketKey string,
	size, balance, leverage decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	if err := l.CheckLeverage(leverage); err != nil {
		return err
	}
	if err := l.CheckPositionSize(size, balance, leverage); err != nil {
		return err
	}
	return l.CheckExposure(marketKey, size, existing)
}
