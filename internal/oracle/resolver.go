package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/metrics"
	"github.com/zona/index-engine/internal/model"
	"github.com/zona/index-engine/internal/source"
	"github.com/zona/index-engine/internal/store"
)

// Broadcaster receives resolver events for live clients.
type Broadcaster interface {
	IndexUpdated(marketKey string, value decimal.Decimal, at time.Time)
	PositionResolved(p model.Position)
}

const (
	DefaultPollInterval = 10 * time.Second
	DefaultConcurrency  = 4
)

// Resolver drives the hourly oracle cycle: refresh index series from the
// upstream source, advance the contract clock, publish each market's value
// and settle positions that expired.
type Resolver struct {
	registry    *market.Registry
	source      source.Source
	store       store.Store
	submitter   Submitter
	broadcaster Broadcaster

	pollInterval time.Duration
	concurrency  int
	now          func() time.Time

	mu        sync.Mutex
	reminders map[string]int // consecutive low-data cycles per market
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithPollInterval(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithConcurrency bounds the parallel source fetches of a refresh.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

func WithBroadcaster(b Broadcaster) Option {
	return func(r *Resolver) { r.broadcaster = b }
}

// NewResolver creates a resolver over the registry's markets.
func NewResolver(registry *market.Registry, src source.Source, st store.Store, sub Submitter, opts ...Option) *Resolver {
	r := &Resolver{
		registry:     registry,
		source:       src,
		store:        st,
		submitter:    sub,
		pollInterval: DefaultPollInterval,
		concurrency:  DefaultConcurrency,
		now:          time.Now,
		reminders:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs an initial cycle, then polls and runs a cycle whenever the
// UTC hour changes. It returns when ctx is done.
func (r *Resolver) Run(ctx context.Context) error {
	lastHour := r.hour()
	if err := r.Cycle(ctx); err != nil {
		slog.Error("resolver cycle failed", "hour", lastHour, "err", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hour := r.hour()
			if hour.Equal(lastHour) {
				continue
			}
			slog.Info("hour change detected", "from", lastHour, "to", hour)
			lastHour = hour
			if err := r.Cycle(ctx); err != nil {
				slog.Error("resolver cycle failed", "hour", hour, "err", err)
			}
		}
	}
}

func (r *Resolver) hour() time.Time {
	return r.now().UTC().Truncate(time.Hour)
}

// Cycle runs one resolution pass for the current hour. Failures in one
// market do not stop the others; all of them are joined into the result.
func (r *Resolver) Cycle(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.ResolverCycleDuration.Observe(time.Since(start).Seconds()) }()

	hour := r.hour()
	markets := r.registry.List()

	errs := r.refresh(ctx, markets)

	if err := r.submitter.UpdateTime(ctx, hour.Unix()); err != nil {
		errs = append(errs, fmt.Errorf("update time: %w", err))
	}

	for _, m := range markets {
		if err := r.publish(ctx, m, hour); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Key(), err))
		}
	}

	resolved, err := r.resolveDue(ctx, hour)
	if err != nil {
		errs = append(errs, err)
	}

	slog.Info("resolver cycle complete",
		"hour", hour,
		"markets", len(markets),
		"resolved", resolved,
		"errors", len(errs),
		"duration", time.Since(start),
	)
	return errors.Join(errs...)
}

// refresh reloads every market's series from the source into the store.
func (r *Resolver) refresh(ctx context.Context, markets []market.Market) []error {
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, m := range markets {
		g.Go(func() error {
			records, err := r.source.Fetch(gctx, m)
			if err == nil {
				err = r.store.ReplaceIndexSeries(gctx, m.Key(), records)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("refresh %s: %w", m.Key(), err))
				mu.Unlock()
				return nil
			}
			metrics.IndexRecords.WithLabelValues(m.Key()).Set(float64(len(records)))
			slog.Info("index series refreshed", "market", m.Key(), "records", len(records))
			return nil
		})
	}
	g.Wait()
	return errs
}

// publish sends a market's value at hour to the oracle and fills the actual
// values of every timeframe.
func (r *Resolver) publish(ctx context.Context, m market.Market, hour time.Time) error {
	records, err := r.store.GetIndexSeries(ctx, m.Key())
	if err != nil {
		return err
	}
	if len(records) > 0 {
		r.remind(m.Key(), records[len(records)-1].Time, hour)
	}

	rec, err := r.store.GetIndexAt(ctx, m.Key(), hour)
	if err != nil {
		return fmt.Errorf("no value at %s: %w", hour.Format(time.RFC3339), err)
	}
	value, err := ToFixedPoint(rec.Value)
	if err != nil {
		return err
	}

	if err := r.submitter.SetValue(ctx, m.Category, m.City, value); err != nil {
		return err
	}
	var errs []error
	for _, tf := range market.Timeframes {
		if err := r.submitter.FillActualValues(ctx, m.City, m.Category, tf, value); err != nil {
			errs = append(errs, fmt.Errorf("fill %dh: %w", tf, err))
		}
	}

	if r.broadcaster != nil {
		r.broadcaster.IndexUpdated(m.Key(), rec.Value, rec.Time)
	}
	return errors.Join(errs...)
}

// resolveDue settles open positions whose expiry is at or before hour. The
// final value is the record at the position's expiry, falling back to the
// newest record at or before hour when that hour is missing.
func (r *Resolver) resolveDue(ctx context.Context, hour time.Time) (int, error) {
	due, err := r.store.GetDuePositions(ctx, hour)
	if err != nil {
		return 0, fmt.Errorf("load due positions: %w", err)
	}

	var errs []error
	resolved := 0
	for _, p := range due {
		rec, err := r.store.GetIndexAt(ctx, p.MarketKey(), p.ExpiresAt)
		if errors.Is(err, store.ErrNotFound) {
			rec, err = r.store.GetLatestIndex(ctx, p.MarketKey(), hour)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %s: %w", p.ID, err))
			continue
		}

		won := Won(p, rec.Value)
		if err := r.store.ResolvePosition(ctx, p.ID, rec.Value, won, hour); err != nil {
			if errors.Is(err, store.ErrAlreadyResolved) {
				continue
			}
			errs = append(errs, fmt.Errorf("resolve %s: %w", p.ID, err))
			continue
		}
		resolved++

		outcome := "lost"
		if won {
			outcome = "won"
		}
		metrics.PositionsResolved.WithLabelValues(p.MarketKey(), outcome).Inc()
		slog.Info("position resolved",
			"id", p.ID,
			"player", p.Player,
			"market", p.MarketKey(),
			"entry", p.EntryPrice.String(),
			"final", rec.Value.String(),
			"won", won,
		)

		if r.broadcaster != nil {
			at := hour
			p.Status = model.StatusClosed
			p.FinalValue = rec.Value
			p.Won = won
			p.ResolvedAt = &at
			r.broadcaster.PositionResolved(p)
		}
	}
	return resolved, errors.Join(errs...)
}

// Won reports whether a position finished in the money. An unchanged value
// loses in both directions.
func Won(p model.Position, final decimal.Decimal) bool {
	if p.Long {
		return final.GreaterThan(p.EntryPrice)
	}
	return final.LessThan(p.EntryPrice)
}

// Reminder thresholds: hours of data left → notify every n-th cycle.
var reminderSchedule = []struct {
	hours    float64
	interval int
}{
	{6, 1},
	{24, 4},
	{48, 8},
}

// remind warns when a market's newest record is close to the current hour.
// The warning repeats on a schedule that tightens as data runs out, and the
// count resets once enough data is loaded again. It reports whether a
// warning was emitted.
func (r *Resolver) remind(marketKey string, newest, now time.Time) bool {
	remaining := newest.Sub(now).Hours()

	interval := 0
	for _, s := range reminderSchedule {
		if remaining <= s.hours {
			interval = s.interval
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if interval == 0 {
		r.reminders[marketKey] = 0
		return false
	}
	r.reminders[marketKey]++
	if (r.reminders[marketKey]-1)%interval != 0 {
		return false
	}

	metrics.DataReminders.WithLabelValues(marketKey).Inc()
	slog.Warn("low index data availability",
		"market", marketKey,
		"hours_left", fmt.Sprintf("%.0f", remaining),
		"latest", newest,
		"now", now,
	)
	return true
}
