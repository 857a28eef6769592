// Package model defines the domain types shared across the index engine.
// Stored index values and position amounts use shopspring/decimal; the
// calculator boundary converts them to float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/tradecalc"
)

// IndexRecord is one hourly index observation for a market.
type IndexRecord struct {
	Market string          `json:"market" db:"market"` // market key, e.g. hongkong_realestate
	Time   time.Time       `json:"time" db:"time"`     // top of the hour, UTC, already shifted
	Hour   int             `json:"hour" db:"hour"`
	Value  decimal.Decimal `json:"value" db:"value"`
}

// IndexSeries is the column-oriented wire format of /api/v1/index-data.
// Clients read the latest value as index[len-1].
type IndexSeries struct {
	Index []float64   `json:"index"`
	Dates []time.Time `json:"date"`
	Hours []int       `json:"hours"`
	Time  []int64     `json:"time"`
}

// NewIndexSeries converts records (ascending by time) to the wire format.
func NewIndexSeries(records []IndexRecord) IndexSeries {
	s := IndexSeries{
		Index: make([]float64, 0, len(records)),
		Dates: make([]time.Time, 0, len(records)),
		Hours: make([]int, 0, len(records)),
		Time:  make([]int64, 0, len(records)),
	}
	for _, r := range records {
		s.Index = append(s.Index, r.Value.InexactFloat64())
		s.Dates = append(s.Dates, r.Time)
		s.Hours = append(s.Hours, r.Hour)
		s.Time = append(s.Time, r.Time.Unix())
	}
	return s
}

// Position status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Position is an off-chain journal entry mirroring a position a player
// opened against the master contract.
type Position struct {
	ID               string          `json:"id" db:"id"`
	Player           string          `json:"player" db:"player"`
	City             string          `json:"market" db:"city"`
	Category         market.Category `json:"type" db:"category"`
	Long             bool            `json:"long" db:"long"`
	Amount           decimal.Decimal `json:"amount" db:"amount"` // notional, USD
	Leverage         decimal.Decimal `json:"leverage" db:"leverage"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	Timeframe        int             `json:"timeframe" db:"timeframe"` // hours
	Status           string          `json:"status" db:"status"`
	OpenedAt         time.Time       `json:"opened_at" db:"opened_at"`
	ExpiresAt        time.Time       `json:"expires_at" db:"expires_at"`
	FinalValue       decimal.Decimal `json:"final_value" db:"final_value"`
	Won              bool            `json:"won" db:"won"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// MarketKey of the position's market.
func (p Position) MarketKey() string {
	return market.Key(p.City, p.Category)
}

// PositionView is a position marked against the latest index value.
type PositionView struct {
	Position
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	Margin       decimal.Decimal `json:"margin"`
}

// Portfolio aggregates a player's positions.
type Portfolio struct {
	Player        string          `json:"player"`
	Positions     []PositionView  `json:"positions"`
	OpenNotional  decimal.Decimal `json:"open_notional"`
	TotalMargin   decimal.Decimal `json:"total_margin"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
}

// PlayerStats is one leaderboard row.
type PlayerStats struct {
	Rank           int    `json:"rank"`
	Address        string `json:"address"`
	Wins           int    `json:"wins"`
	Losses         int    `json:"losses"`
	FavoriteCity   string `json:"favorite_city"`
	FavoriteMarket string `json:"favorite_market"`
}

// MarketSummary is a market with its latest index figures.
type MarketSummary struct {
	Key                    string          `json:"key"`
	City                   string          `json:"city"`
	DisplayName            string          `json:"display_name,omitempty"`
	Code                   string          `json:"code,omitempty"`
	Currency               string          `json:"currency,omitempty"`
	Category               market.Category `json:"type"`
	OracleKey              string          `json:"oracle_key"`
	Price                  decimal.Decimal `json:"price"`
	LastDayPrice           decimal.Decimal `json:"last_day_price"`
	OneDayChangePercentage float64         `json:"one_day_change_percentage"`
	PriceUSD               decimal.Decimal `json:"price_usd"`
	UpdatedAt              *time.Time      `json:"updated_at,omitempty"`
}

// Quote is the response of a trade preview.
type Quote struct {
	Market   string                   `json:"market"`
	Currency string                   `json:"currency"`
	State    tradecalc.TradeState     `json:"state"`
	Metrics  tradecalc.DerivedMetrics `json:"metrics"`
	Amounts  tradecalc.Amounts        `json:"amounts"`
	Max      float64                  `json:"max_position_size"`
	AsOf     time.Time                `json:"as_of"`
}
