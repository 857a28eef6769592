// Package tradecalc derives the risk and economics figures shown next to a
// leveraged index position: margin, fees, estimated liquidation prices, PnL
// and the 24h index change.
//
// Every function here is pure. Degenerate input (zero or negative prices,
// zero leverage, no prior-day value, NaN) never produces an error or a
// NaN/Inf result; the affected figure degrades to 0 so callers can always
// render a number. Results that overflow float64 degrade to 0 as well.
//
// Liquidation estimates use the flat model price × (1 ∓ 1/leverage). The
// margin argument of the standalone helpers is accepted for call-site
// compatibility and does not enter the formula.
package tradecalc

import "math"

// FeeRate is the flat trading fee charged on notional position size (0.1%).
const FeeRate = 0.001

// TradeState is the snapshot a calculation runs against.
type TradeState struct {
	AccountBalance    float64 `json:"account_balance"`
	Leverage          float64 `json:"leverage"`
	PositionSize      float64 `json:"position_size"`
	CurrentIndexPrice float64 `json:"current_index_price"`
	LastDayPosition   float64 `json:"last_day_position"` // 0 when no value 24h back
	EntryPrice        float64 `json:"entry_price"`
}

// DerivedMetrics is recomputed on every input change and has no identity of
// its own.
type DerivedMetrics struct {
	MarginRequired           float64 `json:"margin_required"`
	TradingFees              float64 `json:"trading_fees"`
	LongEstLiquidationPrice  float64 `json:"long_est_liquidation_price"`
	ShortEstLiquidationPrice float64 `json:"short_est_liquidation_price"`
	LongPnL                  float64 `json:"long_pnl"`
	ShortPnL                 float64 `json:"short_pnl"`
	OneDayChangePercentage   float64 `json:"one_day_change_percentage"`
}

// CalculateTradeValues converts a TradeState into its DerivedMetrics.
func CalculateTradeValues(state TradeState) DerivedMetrics {
	leverage := finite(state.Leverage)
	size := finite(state.PositionSize)
	price := finite(state.CurrentIndexPrice)
	lastDay := finite(state.LastDayPosition)
	entry := finite(state.EntryPrice)

	var margin float64
	if leverage > 0 {
		margin = finite(size / leverage)
	}

	return DerivedMetrics{
		MarginRequired:           margin,
		TradingFees:              finite(size * FeeRate),
		LongEstLiquidationPrice:  CalculateLongLiquidationPrice(price, margin, leverage),
		ShortEstLiquidationPrice: CalculateShortLiquidationPrice(price, margin, leverage),
		LongPnL:                  finite((price - entry) * size),
		ShortPnL:                 finite((entry - price) * size),
		OneDayChangePercentage:   OneDayChangePercentage(price, lastDay),
	}
}

// CalculateLongLiquidationPrice estimates where a long opened at marketPrice
// is liquidated: marketPrice × (1 − 1/leverage).
func CalculateLongLiquidationPrice(marketPrice, marginRequired, leverage float64) float64 {
	if !(marketPrice > 0) || !(leverage > 0) || math.IsInf(marketPrice, 0) {
		return 0
	}
	return finite(marketPrice * (1 - (1 / leverage)))
}

// CalculateShortLiquidationPrice estimates where a short opened at
// marketPrice is liquidated: marketPrice × (1 + 1/leverage).
func CalculateShortLiquidationPrice(marketPrice, marginRequired, leverage float64) float64 {
	if !(marketPrice > 0) || !(leverage > 0) || math.IsInf(marketPrice, 0) {
		return 0
	}
	return finite(marketPrice * (1 + (1 / leverage)))
}

// OneDayChangePercentage is the percent move from lastDay to current. A
// lastDay of 0 means there is no prior value and yields 0.
func OneDayChangePercentage(current, lastDay float64) float64 {
	current, lastDay = finite(current), finite(lastDay)
	if !(lastDay > 0) {
		return 0
	}
	return finite(((current - lastDay) / lastDay) * 100)
}

// MaxPositionSize is the largest notional the balance supports at leverage.
func MaxPositionSize(accountBalance, leverage float64) float64 {
	accountBalance, leverage = finite(accountBalance), finite(leverage)
	if !(accountBalance > 0) || !(leverage > 0) {
		return 0
	}
	return finite(accountBalance * leverage)
}

// ClampPositionSize bounds size to [0, MaxPositionSize(accountBalance, leverage)].
func ClampPositionSize(size, leverage, accountBalance float64) float64 {
	size = finite(size)
	if !(size > 0) {
		return 0
	}
	if max := MaxPositionSize(accountBalance, leverage); size > max {
		return max
	}
	return size
}

// finite maps NaN and ±Inf to 0.
func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
