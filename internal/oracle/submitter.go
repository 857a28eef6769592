// Package oracle publishes hourly index values on-chain and settles the
// off-chain position journal against them.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/metrics"
)

var (
	// ErrNegativeValue is returned when a negative index value is published.
	ErrNegativeValue = errors.New("oracle: negative value")

	// ErrValueOutOfRange is returned when a value does not fit the u64 field.
	ErrValueOutOfRange = errors.New("oracle: value out of range")
)

var hundred = decimal.NewFromInt(100)

// ToFixedPoint converts an index value to the two-decimal fixed point the
// contracts store: round(v, 2) × 100.
func ToFixedPoint(v decimal.Decimal) (uint64, error) {
	scaled := v.Round(2).Mul(hundred)
	if scaled.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegativeValue, v)
	}
	if !scaled.IsInteger() || scaled.BigInt().BitLen() > 63 {
		return 0, fmt.Errorf("%w: %s", ErrValueOutOfRange, v)
	}
	return uint64(scaled.IntPart()), nil
}

// Submitter sends the resolver's entry function calls.
type Submitter interface {
	// UpdateTime sets the master contract clock (unix seconds, top of hour).
	UpdateTime(ctx context.Context, unix int64) error
	// SetValue publishes a market's current fixed-point value to the oracle.
	SetValue(ctx context.Context, c market.Category, city string, value uint64) error
	// FillActualValues settles every player's positions in one timeframe.
	FillActualValues(ctx context.Context, city string, c market.Category, timeframeHours int, value uint64) error
}

// Entry functions called by the resolver.
const (
	FnUpdateTime       = "master::update_time"
	FnSetValue         = "oracle::set_value"
	FnFillActualValues = "master::fill_actual_values_all"
)

// Runner executes a command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// AptosCLI submits entry function calls through the aptos CLI.
type AptosCLI struct {
	Bin     string // path to the aptos binary
	Admin   string // account the modules are published under
	Profile string // CLI profile holding the admin key
	run     Runner
}

// NewAptosCLI creates a CLI submitter. Empty bin and profile default to
// "aptos" and "default".
func NewAptosCLI(bin, admin, profile string) *AptosCLI {
	if bin == "" {
		bin = "aptos"
	}
	if profile == "" {
		profile = "default"
	}
	return &AptosCLI{Bin: bin, Admin: admin, Profile: profile, run: execRunner}
}

// WithRunner replaces the command runner (tests).
func (a *AptosCLI) WithRunner(run Runner) *AptosCLI {
	a.run = run
	return a
}

func (a *AptosCLI) UpdateTime(ctx context.Context, unix int64) error {
	return a.call(ctx, FnUpdateTime, fmt.Sprintf("u256:%d", unix))
}

func (a *AptosCLI) SetValue(ctx context.Context, c market.Category, city string, value uint64) error {
	return a.call(ctx, FnSetValue,
		fmt.Sprintf("u8:%d", c),
		"string:"+city,
		fmt.Sprintf("u64:%d", value),
	)
}

func (a *AptosCLI) FillActualValues(ctx context.Context, city string, c market.Category, timeframeHours int, value uint64) error {
	return a.call(ctx, FnFillActualValues,
		"string:"+city,
		fmt.Sprintf("u8:%d", c),
		fmt.Sprintf("u64:%d", timeframeHours),
		fmt.Sprintf("u64:%d", value),
	)
}

// Args builds the aptos CLI arguments for one entry function call.
func (a *AptosCLI) Args(fn string, args ...string) []string {
	out := []string{"move", "run", "--function-id", a.Admin + "::" + fn, "--args"}
	out = append(out, args...)
	return append(out, "--profile", a.Profile, "--assume-yes")
}

func (a *AptosCLI) call(ctx context.Context, fn string, args ...string) error {
	output, err := a.run(ctx, a.Bin, a.Args(fn, args...)...)
	if err != nil {
		metrics.OracleSubmissions.WithLabelValues(fn, "error").Inc()
		slog.Error("aptos call failed",
			"function", fn,
			"args", strings.Join(args, " "),
			"err", err,
			"output", strings.TrimSpace(string(output)),
		)
		return fmt.Errorf("%s: %w", fn, err)
	}
	metrics.OracleSubmissions.WithLabelValues(fn, "ok").Inc()
	slog.Debug("aptos call ok", "function", fn, "args", strings.Join(args, " "))
	return nil
}

// LogSubmitter logs the calls it would make. Used when no admin account is
// configured.
type LogSubmitter struct{}

func (LogSubmitter) UpdateTime(_ context.Context, unix int64) error {
	metrics.OracleSubmissions.WithLabelValues(FnUpdateTime, "dry_run").Inc()
	slog.Info("dry run", "function", FnUpdateTime, "time", unix)
	return nil
}

func (LogSubmitter) SetValue(_ context.Context, c market.Category, city string, value uint64) error {
	metrics.OracleSubmissions.WithLabelValues(FnSetValue, "dry_run").Inc()
	slog.Info("dry run", "function", FnSetValue, "category", c.Slug(), "city", city, "value", value)
	return nil
}

func (LogSubmitter) FillActualValues(_ context.Context, city string, c market.Category, timeframeHours int, value uint64) error {
	metrics.OracleSubmissions.WithLabelValues(FnFillActualValues, "dry_run").Inc()
	slog.Info("dry run", "function", FnFillActualValues,
		"city", city, "category", c.Slug(), "timeframe", timeframeHours, "value", value)
	return nil
}
