package tradecalc

import (
	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/fx"
)

// Amounts is the position size expressed in the currencies the trade form
// shows.
type Amounts struct {
	PositionSize float64 `json:"position_size"`
	AmountUSD    float64 `json:"amount_usd"`
	AmountHKD    float64 `json:"amount_hkd"`
	AmountSGD    float64 `json:"amount_sgd"`
}

var amountConverter fx.Converter = fx.NewStaticConverter(fx.AmountRates)

// UpdateAmounts clamps newPositionSize to [0, accountBalance × leverage] and
// converts the result with the fixed placeholder rates (7.8 HKD, 1.3 SGD per
// USD). Local amounts are floored to whole units.
func UpdateAmounts(newPositionSize, leverage, accountBalance float64) Amounts {
	return UpdateAmountsWith(amountConverter, newPositionSize, leverage, accountBalance)
}

// UpdateAmountsWith is UpdateAmounts with a caller-supplied converter. A
// currency the converter cannot handle reports 0.
func UpdateAmountsWith(c fx.Converter, newPositionSize, leverage, accountBalance float64) Amounts {
	size := ClampPositionSize(newPositionSize, leverage, accountBalance)
	return Amounts{
		PositionSize: size,
		AmountUSD:    size,
		AmountHKD:    convertFloor(c, size, "HKD"),
		AmountSGD:    convertFloor(c, size, "SGD"),
	}
}

func convertFloor(c fx.Converter, usd float64, to string) float64 {
	v, err := c.Convert(decimal.NewFromFloat(usd), fx.USD, to)
	if err != nil {
		return 0
	}
	return finite(v.Floor().InexactFloat64())
}
