package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/model"
	"github.com/zona/index-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	testNow  = time.Date(2025, 3, 2, 12, 30, 0, 0, time.UTC)
	testHour = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)
)

// --- Fakes ---

type call struct {
	fn        string
	city      string
	category  market.Category
	timeframe int
	value     uint64
	unix      int64
}

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (f *fakeSubmitter) record(c call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	return f.fail[c.fn]
}

func (f *fakeSubmitter) UpdateTime(_ context.Context, unix int64) error {
	return f.record(call{fn: FnUpdateTime, unix: unix})
}

func (f *fakeSubmitter) SetValue(_ context.Context, c market.Category, city string, value uint64) error {
	return f.record(call{fn: FnSetValue, category: c, city: city, value: value})
}

func (f *fakeSubmitter) FillActualValues(_ context.Context, city string, c market.Category, tf int, value uint64) error {
	return f.record(call{fn: FnFillActualValues, city: city, category: c, timeframe: tf, value: value})
}

func (f *fakeSubmitter) byFn(fn string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.fn == fn {
			out = append(out, c)
		}
	}
	return out
}

type fakeSource struct {
	series map[string][]model.IndexRecord
	fail   map[string]error
}

func (f *fakeSource) Fetch(_ context.Context, m market.Market) ([]model.IndexRecord, error) {
	if err := f.fail[m.Key()]; err != nil {
		return nil, err
	}
	return f.series[m.Key()], nil
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	updates  []string
	resolved []model.Position
}

func (f *fakeBroadcaster) IndexUpdated(key string, v decimal.Decimal, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, key+"="+v.String())
}

func (f *fakeBroadcaster) PositionResolved(p model.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, p)
}

// hourly builds n records for key from start with values start+i.
func hourly(key string, from time.Time, n int, start float64) []model.IndexRecord {
	records := make([]model.IndexRecord, n)
	for i := range records {
		at := from.Add(time.Duration(i) * time.Hour)
		records[i] = model.IndexRecord{Market: key, Time: at, Hour: at.Hour(), Value: d(start + float64(i))}
	}
	return records
}

type env struct {
	resolver    *Resolver
	store       *store.MemoryStore
	submitter   *fakeSubmitter
	source      *fakeSource
	broadcaster *fakeBroadcaster
}

func newEnv(t *testing.T, markets []market.Market) *env {
	t.Helper()
	registry, err := market.NewRegistry(markets)
	require.NoError(t, err)

	e := &env{
		store:       store.NewMemoryStore(),
		submitter:   &fakeSubmitter{},
		source:      &fakeSource{series: map[string][]model.IndexRecord{}, fail: map[string]error{}},
		broadcaster: &fakeBroadcaster{},
	}
	e.resolver = NewResolver(registry, e.source, e.store, e.submitter,
		WithClock(func() time.Time { return testNow }),
		WithBroadcaster(e.broadcaster),
		WithConcurrency(2),
	)
	return e
}

var hongkong = market.Market{City: "hongkong", Currency: "HKD", Category: market.RealEstate, Timezone: 8}

// --- Fixed point ---

func TestToFixedPoint(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"100", 10000},
		{"136.456", 13646},
		{"136.454", 13645},
		{"0", 0},
		{"0.01", 1},
		{"98765.4", 9876540},
	}
	for _, tc := range tests {
		got, err := ToFixedPoint(decimal.RequireFromString(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestToFixedPoint_Negative(t *testing.T) {
	_, err := ToFixedPoint(d(-1.5))
	assert.ErrorIs(t, err, ErrNegativeValue)
}

func TestToFixedPoint_OutOfRange(t *testing.T) {
	_, err := ToFixedPoint(decimal.RequireFromString("1e30"))
	assert.ErrorIs(t, err, ErrValueOutOfRange)
}

// --- Aptos CLI ---

func TestAptosCLI_Args(t *testing.T) {
	cli := NewAptosCLI("", "0xadmin", "")

	var gotName string
	var gotArgs []string
	cli.WithRunner(func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("ok"), nil
	})

	require.NoError(t, cli.SetValue(context.Background(), market.AirQuality, "dubai", 13646))
	assert.Equal(t, "aptos", gotName)
	assert.Equal(t, []string{
		"move", "run", "--function-id", "0xadmin::oracle::set_value",
		"--args", "u8:1", "string:dubai", "u64:13646",
		"--profile", "default", "--assume-yes",
	}, gotArgs)

	require.NoError(t, cli.FillActualValues(context.Background(), "dubai", market.RealEstate, 24, 500))
	assert.Equal(t, []string{
		"move", "run", "--function-id", "0xadmin::master::fill_actual_values_all",
		"--args", "string:dubai", "u8:0", "u64:24", "u64:500",
		"--profile", "default", "--assume-yes",
	}, gotArgs)

	require.NoError(t, cli.UpdateTime(context.Background(), 1740916800))
	assert.Equal(t, []string{
		"move", "run", "--function-id", "0xadmin::master::update_time",
		"--args", "u256:1740916800",
		"--profile", "default", "--assume-yes",
	}, gotArgs)
}

func TestAptosCLI_Error(t *testing.T) {
	boom := errors.New("exit status 1")
	cli := NewAptosCLI("/usr/local/bin/aptos", "0xadmin", "resolver").
		WithRunner(func(context.Context, string, ...string) ([]byte, error) {
			return []byte("insufficient gas"), boom
		})

	err := cli.UpdateTime(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), FnUpdateTime)
}

func TestLogSubmitter(t *testing.T) {
	var sub Submitter = LogSubmitter{}
	ctx := context.Background()
	assert.NoError(t, sub.UpdateTime(ctx, 1))
	assert.NoError(t, sub.SetValue(ctx, market.RealEstate, "london", 1))
	assert.NoError(t, sub.FillActualValues(ctx, "london", market.RealEstate, 1, 1))
}

// --- Cycle ---

func TestCycle_PublishesCurrentHour(t *testing.T) {
	e := newEnv(t, []market.Market{hongkong})
	// 00:00 day one through 23:00 day three; the 12:00 day-two value is 136.
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e.source.series["hongkong_realestate"] = hourly("hongkong_realestate", from, 72, 100)

	require.NoError(t, e.resolver.Cycle(context.Background()))

	times := e.submitter.byFn(FnUpdateTime)
	require.Len(t, times, 1)
	assert.Equal(t, testHour.Unix(), times[0].unix)

	sets := e.submitter.byFn(FnSetValue)
	require.Len(t, sets, 1)
	assert.Equal(t, "hongkong", sets[0].city)
	assert.Equal(t, market.RealEstate, sets[0].category)
	assert.Equal(t, uint64(13600), sets[0].value)

	fills := e.submitter.byFn(FnFillActualValues)
	require.Len(t, fills, len(market.Timeframes))
	for i, tf := range market.Timeframes {
		assert.Equal(t, tf, fills[i].timeframe)
		assert.Equal(t, uint64(13600), fills[i].value)
	}

	series, err := e.store.GetIndexSeries(context.Background(), "hongkong_realestate")
	require.NoError(t, err)
	assert.Len(t, series, 72)

	assert.Equal(t, []string{"hongkong_realestate=136"}, e.broadcaster.updates)
}

func TestCycle_ContinuesPastFailingMarket(t *testing.T) {
	london := market.Market{City: "london", Category: market.RealEstate}
	e := newEnv(t, []market.Market{hongkong, london})
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e.source.series["hongkong_realestate"] = hourly("hongkong_realestate", from, 72, 100)
	e.source.fail["london_realestate"] = errors.New("connection reset")

	err := e.resolver.Cycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "london_realestate")

	// Hong Kong is still published.
	sets := e.submitter.byFn(FnSetValue)
	require.Len(t, sets, 1)
	assert.Equal(t, "hongkong", sets[0].city)
}

func TestCycle_MissingHourIsAnError(t *testing.T) {
	e := newEnv(t, []market.Market{hongkong})
	// Series ends before the current hour.
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e.source.series["hongkong_realestate"] = hourly("hongkong_realestate", from, 10, 100)

	err := e.resolver.Cycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, e.submitter.byFn(FnSetValue))
	assert.Len(t, e.submitter.byFn(FnUpdateTime), 1)
}

func TestCycle_SubmitFailureJoined(t *testing.T) {
	e := newEnv(t, []market.Market{hongkong})
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e.source.series["hongkong_realestate"] = hourly("hongkong_realestate", from, 72, 100)
	boom := errors.New("node unavailable")
	e.submitter.fail = map[string]error{FnFillActualValues: boom}

	err := e.resolver.Cycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, e.submitter.byFn(FnFillActualValues), len(market.Timeframes))
}

func position(id string, long bool, entry float64, expires time.Time) *model.Position {
	return &model.Position{
		ID:         id,
		Player:     "0xabc",
		City:       "hongkong",
		Category:   market.RealEstate,
		Long:       long,
		Amount:     d(100),
		Leverage:   d(10),
		EntryPrice: d(entry),
		Timeframe:  1,
		Status:     model.StatusOpen,
		OpenedAt:   expires.Add(-time.Hour),
		ExpiresAt:  expires,
	}
}

func TestCycle_ResolvesDuePositions(t *testing.T) {
	e := newEnv(t, []market.Market{hongkong})
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	e.source.series["hongkong_realestate"] = hourly("hongkong_realestate", from, 72, 100)

	ctx := context.Background()
	for _, p := range []*model.Position{
		position("long-win", true, 130, testHour),                    // 136 > 130
		position("short-lose", false, 130, testHour),                 // 136 > 130
		position("long-flat", true, 136, testHour),                   // tie loses
		position("short-past", false, 140, testHour.Add(-time.Hour)), // 135 < 140
		position("not-due", true, 100, testHour.Add(time.Hour)),
	} {
		require.NoError(t, e.store.InsertPosition(ctx, p))
	}

	require.NoError(t, e.resolver.Cycle(ctx))

	want := map[string]struct {
		won   bool
		final float64
	}{
		"long-win":   {true, 136},
		"short-lose": {false, 136},
		"long-flat":  {false, 136},
		"short-past": {true, 135},
	}
	for id, w := range want {
		p, err := e.store.GetPosition(ctx, id)
		require.NoError(t, err, id)
		assert.Equal(t, model.StatusClosed, p.Status, id)
		assert.Equal(t, w.won, p.Won, id)
		assert.True(t, p.FinalValue.Equal(d(w.final)), "%s final %s", id, p.FinalValue)
		require.NotNil(t, p.ResolvedAt, id)
		assert.Equal(t, testHour, *p.ResolvedAt, id)
	}

	open, err := e.store.GetPosition(ctx, "not-due")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, open.Status)

	assert.Len(t, e.broadcaster.resolved, 4)
	for _, p := range e.broadcaster.resolved {
		assert.Equal(t, model.StatusClosed, p.Status)
	}

	// A second cycle in the same hour finds nothing left to resolve.
	require.NoError(t, e.resolver.Cycle(ctx))
	assert.Len(t, e.broadcaster.resolved, 4)
}

func TestWon(t *testing.T) {
	long := model.Position{Long: true, EntryPrice: d(100)}
	short := model.Position{Long: false, EntryPrice: d(100)}

	assert.True(t, Won(long, d(100.01)))
	assert.False(t, Won(long, d(100)))
	assert.False(t, Won(long, d(99)))
	assert.True(t, Won(short, d(99.99)))
	assert.False(t, Won(short, d(100)))
	assert.False(t, Won(short, d(101)))
}

// --- Reminders ---

func reminderPattern(r *Resolver, key string, hoursLeft float64, cycles int) []bool {
	newest := testHour.Add(time.Duration(hoursLeft * float64(time.Hour)))
	out := make([]bool, cycles)
	for i := range out {
		out[i] = r.remind(key, newest, testHour)
	}
	return out
}

func TestRemind_Schedule(t *testing.T) {
	tests := []struct {
		hoursLeft float64
		want      []bool
	}{
		{5, []bool{true, true, true}},
		{6, []bool{true, true}},
		{20, []bool{true, false, false, false, true, false}},
		{40, []bool{true, false, false, false, false, false, false, false, true}},
		{100, []bool{false, false}},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%vh", tc.hoursLeft), func(t *testing.T) {
			e := newEnv(t, []market.Market{hongkong})
			assert.Equal(t, tc.want, reminderPattern(e.resolver, "hongkong_realestate", tc.hoursLeft, len(tc.want)))
		})
	}
}

func TestRemind_ResetsWhenDataReloaded(t *testing.T) {
	e := newEnv(t, []market.Market{hongkong})
	key := "hongkong_realestate"

	assert.Equal(t, []bool{true, false}, reminderPattern(e.resolver, key, 20, 2))
	// Plenty of data again resets the count.
	assert.Equal(t, []bool{false}, reminderPattern(e.resolver, key, 100, 1))
	assert.Equal(t, []bool{true, false}, reminderPattern(e.resolver, key, 20, 2))
}

func TestRemind_PerMarket(t *testing.T) {
	e := newEnv(t, []market.Market{hongkong})

	assert.Equal(t, []bool{true, false}, reminderPattern(e.resolver, "a_realestate", 20, 2))
	assert.Equal(t, []bool{true}, reminderPattern(e.resolver, "b_realestate", 20, 1))
}

// --- Run loop ---

func TestRun_CyclesOnHourChange(t *testing.T) {
	registry, err := market.NewRegistry([]market.Market{hongkong})
	require.NoError(t, err)

	var mu sync.Mutex
	now := testNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	sub := &fakeSubmitter{}
	src := &fakeSource{series: map[string][]model.IndexRecord{
		"hongkong_realestate": hourly("hongkong_realestate", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), 72, 100),
	}}
	r := NewResolver(registry, src, store.NewMemoryStore(), sub,
		WithClock(clock),
		WithPollInterval(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Initial cycle.
	require.Eventually(t, func() bool { return len(sub.byFn(FnUpdateTime)) == 1 }, time.Second, 5*time.Millisecond)

	// Same hour: no new cycle.
	mu.Lock()
	now = testNow.Add(20 * time.Minute)
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sub.byFn(FnUpdateTime), 1)

	// Next hour.
	mu.Lock()
	now = testNow.Add(time.Hour)
	mu.Unlock()
	require.Eventually(t, func() bool { return len(sub.byFn(FnUpdateTime)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, testHour.Add(time.Hour).Unix(), sub.byFn(FnUpdateTime)[1].unix)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
