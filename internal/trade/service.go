// Package trade provides the HTTP handlers for index data, trade quotes,
// and the off-chain position journal (open positions, portfolios, ranks).
//
// Stored values use shopspring/decimal; the calculator runs on float64 and
// its results are converted back at the handler boundary.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/fx"
	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/metrics"
	"github.com/zona/index-engine/internal/model"
	"github.com/zona/index-engine/internal/risk"
	"github.com/zona/index-engine/internal/store"
	"github.com/zona/index-engine/internal/tradecalc"
)

// Service handles index and position operations. Position opening is
// serialized with a mutex so exposure checks see a consistent journal
// (single-instance).
type Service struct {
	store    store.Store
	registry *market.Registry
	limits   risk.Limits
	display  fx.Converter
	mu       sync.Mutex
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock used for "now" (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithDisplayConverter overrides the converter used for USD display values.
func WithDisplayConverter(c fx.Converter) Option {
	return func(s *Service) { s.display = c }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, registry *market.Registry, limits risk.Limits, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:    st,
		registry: registry,
		limits:   limits,
		display:  fx.NewStaticConverter(fx.DisplayRates),
		wsHub:    hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Request types ---

// QuoteRequest is the JSON body for POST /api/v1/quote.
type QuoteRequest struct {
	City           string   `json:"city"`
	Index          string   `json:"index"` // realestate | airquality
	AccountBalance float64  `json:"account_balance"`
	Leverage       float64  `json:"leverage"`
	PositionSize   float64  `json:"position_size"`
	EntryPrice     *float64 `json:"entry_price,omitempty"` // defaults to the current index value
}

// OpenPositionRequest is the JSON body for POST /api/v1/positions.
type OpenPositionRequest struct {
	Player         string          `json:"player"`
	City           string          `json:"city"`
	Index          string          `json:"index"`
	Long           bool            `json:"long"`
	Amount         decimal.Decimal `json:"amount"` // notional
	Leverage       decimal.Decimal `json:"leverage"`
	AccountBalance decimal.Decimal `json:"account_balance"`
	Timeframe      int             `json:"timeframe"` // hours
}

// --- HTTP Handlers ---

// GetIndexData handles GET /api/v1/index-data?city=&index=&latest=
// Records stamped in the future (delayed markets) are not served.
func (s *Service) GetIndexData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	m, err := s.registry.Lookup(q.Get("city"), q.Get("index"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	records, err := s.store.GetIndexSeries(r.Context(), m.Key())
	if err != nil {
		writeStoreError(w, err, "failed to load index data")
		return
	}

	now := s.now()
	visible := records[:0:0]
	for _, rec := range records {
		if !rec.Time.After(now) {
			visible = append(visible, rec)
		}
	}
	if len(visible) == 0 {
		writeError(w, "no index data for "+m.Key(), http.StatusNotFound)
		return
	}
	if latest, _ := strconv.ParseBool(q.Get("latest")); latest {
		visible = visible[len(visible)-1:]
	}

	writeJSON(w, http.StatusOK, model.NewIndexSeries(visible))
}

// ListMarkets handles GET /api/v1/markets
// Returns every configured market with its latest value and 24h change.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.now()

	markets := s.registry.List()
	summaries := make([]model.MarketSummary, 0, len(markets))
	for _, m := range markets {
		summary := model.MarketSummary{
			Key:         m.Key(),
			City:        m.City,
			DisplayName: m.DisplayName,
			Code:        m.Code,
			Currency:    m.Currency,
			Category:    m.Category,
			OracleKey:   m.OracleKey().Hex(),
		}

		latest, err := s.store.GetLatestIndex(ctx, m.Key(), now)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, "failed to list markets", http.StatusInternalServerError)
			return
		}
		if latest != nil {
			lastDay := s.lastDayValue(r, m.Key(), latest.Time)
			at := latest.Time
			summary.Price = latest.Value
			summary.LastDayPrice = lastDay
			summary.OneDayChangePercentage = tradecalc.OneDayChangePercentage(
				latest.Value.InexactFloat64(), lastDay.InexactFloat64())
			summary.UpdatedAt = &at
			if m.Currency != "" {
				if usd, err := s.display.Convert(latest.Value, m.Currency, fx.USD); err == nil {
					summary.PriceUSD = usd.Round(2)
				}
			}
		}
		summaries = append(summaries, summary)
	}

	writeJSON(w, http.StatusOK, summaries)
}

// Quote handles POST /api/v1/quote
// Previews margin, fees, liquidation estimates and PnL for a trade against
// the current index value. The requested size is clamped to the buying
// power first, so metrics and amounts describe the same position.
func (s *Service) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	m, err := s.registry.Lookup(req.City, req.Index)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if math.IsNaN(req.Leverage) || math.IsInf(req.Leverage, 0) {
		writeError(w, risk.ErrLeverageOutOfRange.Error(), http.StatusBadRequest)
		return
	}
	if err := s.limits.CheckLeverage(decimal.NewFromFloat(req.Leverage)); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if buyingPower := req.AccountBalance * req.Leverage; math.IsNaN(buyingPower) || math.IsInf(buyingPower, 0) {
		writeError(w, "account balance out of range", http.StatusBadRequest)
		return
	}

	latest, err := s.store.GetLatestIndex(r.Context(), m.Key(), s.now())
	if err != nil {
		writeStoreError(w, err, "failed to load index value")
		return
	}

	price := latest.Value.InexactFloat64()
	entry := price
	if req.EntryPrice != nil {
		entry = *req.EntryPrice
	}

	amounts := tradecalc.UpdateAmounts(req.PositionSize, req.Leverage, req.AccountBalance)
	state := tradecalc.TradeState{
		AccountBalance:    req.AccountBalance,
		Leverage:          req.Leverage,
		PositionSize:      amounts.PositionSize,
		CurrentIndexPrice: price,
		LastDayPosition:   s.lastDayValue(r, m.Key(), latest.Time).InexactFloat64(),
		EntryPrice:        entry,
	}

	quote := model.Quote{
		Market:   m.Key(),
		Currency: m.Currency,
		State:    state,
		Metrics:  tradecalc.CalculateTradeValues(state),
		Amounts:  amounts,
		Max:      tradecalc.MaxPositionSize(req.AccountBalance, req.Leverage),
		AsOf:     latest.Time,
	}
	metrics.QuotesTotal.WithLabelValues(m.Key()).Inc()

	writeJSON(w, http.StatusOK, quote)
}

// OpenPosition handles POST /api/v1/positions
// Journals a position at the current index value after the risk checks.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if strings.TrimSpace(req.Player) == "" {
		writeError(w, "player is required", http.StatusBadRequest)
		return
	}
	m, err := s.registry.Lookup(req.City, req.Index)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := market.TimeframeIndex(req.Timeframe); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Serialize position opening.
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	latest, err := s.store.GetLatestIndex(ctx, m.Key(), now)
	if err != nil {
		writeStoreError(w, err, "failed to load index value")
		return
	}

	// --- Risk checks ---
	existing, err := s.store.GetPlayerPositions(ctx, req.Player)
	if err != nil {
		writeError(w, "failed to check position limits", http.StatusInternalServerError)
		return
	}
	if err := s.limits.Check(m.Key(), req.Amount, req.AccountBalance, req.Leverage, openExposure(existing)); err != nil {
		metrics.RiskRejections.WithLabelValues(rejectionReason(err)).Inc()
		status := http.StatusConflict
		if errors.Is(err, risk.ErrInvalidPositionSize) || errors.Is(err, risk.ErrLeverageOutOfRange) {
			status = http.StatusBadRequest
		}
		writeError(w, err.Error(), status)
		return
	}

	price := latest.Value.InexactFloat64()
	leverage := req.Leverage.InexactFloat64()
	margin := req.Amount.InexactFloat64() / leverage
	liquidation := tradecalc.CalculateShortLiquidationPrice(price, margin, leverage)
	if req.Long {
		liquidation = tradecalc.CalculateLongLiquidationPrice(price, margin, leverage)
	}

	p := &model.Position{
		ID:               uuid.New().String(),
		Player:           req.Player,
		City:             m.City,
		Category:         m.Category,
		Long:             req.Long,
		Amount:           req.Amount,
		Leverage:         req.Leverage,
		EntryPrice:       latest.Value,
		LiquidationPrice: toDecimal(liquidation).Round(8),
		Timeframe:        req.Timeframe,
		Status:           model.StatusOpen,
		OpenedAt:         now,
		ExpiresAt:        now.Truncate(time.Hour).Add(time.Duration(req.Timeframe) * time.Hour),
	}

	if err := s.store.InsertPosition(ctx, p); err != nil {
		writeError(w, "failed to record position", http.StatusInternalServerError)
		return
	}

	direction := "short"
	if p.Long {
		direction = "long"
	}
	metrics.PositionsOpened.WithLabelValues(m.Key(), direction).Inc()

	slog.Info("position opened",
		"id", p.ID,
		"player", p.Player,
		"market", m.Key(),
		"direction", direction,
		"amount", p.Amount.String(),
		"leverage", p.Leverage.String(),
		"entry", p.EntryPrice.String(),
		"expires_at", p.ExpiresAt,
	)

	// Broadcast via WebSocket.
	if s.wsHub != nil {
		s.wsHub.PositionOpened(*p)
	}

	writeJSON(w, http.StatusCreated, p)
}

// GetPlayerPositions handles GET /api/v1/positions/{address}
func (s *Service) GetPlayerPositions(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	positions, err := s.store.GetPlayerPositions(r.Context(), address)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}

	writeJSON(w, http.StatusOK, positions)
}

// GetPortfolio handles GET /api/v1/portfolio/{address}
// Open positions are marked against the latest index value, closed ones
// against their final oracle value.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	ctx := r.Context()
	now := s.now()

	positions, err := s.store.GetPlayerPositions(ctx, address)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	portfolio := model.Portfolio{
		Player:    address,
		Positions: make([]model.PositionView, 0, len(positions)),
	}
	prices := make(map[string]decimal.Decimal)

	for _, p := range positions {
		current := p.FinalValue
		if p.Status == model.StatusOpen {
			key := p.MarketKey()
			price, ok := prices[key]
			if !ok {
				if latest, err := s.store.GetLatestIndex(ctx, key, now); err == nil {
					price = latest.Value
				} else {
					price = p.EntryPrice
				}
				prices[key] = price
			}
			current = price
		}

		calc := tradecalc.CalculateTradeValues(tradecalc.TradeState{
			Leverage:          p.Leverage.InexactFloat64(),
			PositionSize:      p.Amount.InexactFloat64(),
			CurrentIndexPrice: current.InexactFloat64(),
			EntryPrice:        p.EntryPrice.InexactFloat64(),
		})
		pnl := calc.ShortPnL
		if p.Long {
			pnl = calc.LongPnL
		}

		view := model.PositionView{
			Position:     p,
			CurrentPrice: current,
			PnL:          toDecimal(pnl).Round(8),
			Margin:       toDecimal(calc.MarginRequired).Round(8),
		}
		portfolio.Positions = append(portfolio.Positions, view)

		switch {
		case p.Status == model.StatusOpen:
			portfolio.OpenNotional = portfolio.OpenNotional.Add(p.Amount)
			portfolio.TotalMargin = portfolio.TotalMargin.Add(view.Margin)
			portfolio.UnrealizedPnL = portfolio.UnrealizedPnL.Add(view.PnL)
		case p.Won:
			portfolio.Wins++
		default:
			portfolio.Losses++
		}
	}

	writeJSON(w, http.StatusOK, portfolio)
}

// GetRanks handles GET /api/v1/ranks[?player=<address>]
func (s *Service) GetRanks(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetPlayerStats(r.Context())
	if err != nil {
		writeError(w, "failed to load ranks", http.StatusInternalServerError)
		return
	}

	if player := r.URL.Query().Get("player"); player != "" {
		for _, st := range stats {
			if strings.EqualFold(st.Address, player) {
				writeJSON(w, http.StatusOK, st)
				return
			}
		}
		writeError(w, "player not found", http.StatusNotFound)
		return
	}

	if stats == nil {
		stats = []model.PlayerStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// lastDayValue returns the value recorded 24h before at, or zero.
func (s *Service) lastDayValue(r *http.Request, marketKey string, at time.Time) decimal.Decimal {
	rec, err := s.store.GetIndexAt(r.Context(), marketKey, at.Add(-24*time.Hour))
	if err != nil {
		return decimal.Zero
	}
	return rec.Value
}

// openExposure sums open notional per market key.
func openExposure(positions []model.Position) map[string]decimal.Decimal {
	exposure := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if p.Status == model.StatusOpen {
			exposure[p.MarketKey()] = exposure[p.MarketKey()].Add(p.Amount)
		}
	}
	return exposure
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, risk.ErrLeverageOutOfRange):
		return "leverage"
	case errors.Is(err, risk.ErrInvalidPositionSize):
		return "invalid_size"
	case errors.Is(err, risk.ErrPositionTooLarge):
		return "buying_power"
	case errors.Is(err, risk.ErrMarketExposureExceeded):
		return "exposure"
	default:
		return "other"
	}
}

func toDecimal(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		data, status = []byte(`{"error":"failed to encode response"}`), http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// writeStoreError maps store.ErrNotFound to 404 and anything else to 500.
func writeStoreError(w http.ResponseWriter, err error, message string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	slog.Error(message, "err", err)
	writeError(w, message, http.StatusInternalServerError)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
