// Package store defines the persistence interface for the index engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache for index series), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/model"
)

// ErrNotFound is wrapped by every lookup that finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyResolved is returned when resolving a closed position.
var ErrAlreadyResolved = errors.New("store: position already resolved")

// Store is the persistence interface.
type Store interface {
	// --- Index series ---

	// ReplaceIndexSeries swaps a market's whole series for records.
	ReplaceIndexSeries(ctx context.Context, marketKey string, records []model.IndexRecord) error

	// GetIndexSeries returns a market's records ascending by time.
	GetIndexSeries(ctx context.Context, marketKey string) ([]model.IndexRecord, error)

	// GetIndexAt returns the record stamped exactly at t.
	GetIndexAt(ctx context.Context, marketKey string, t time.Time) (*model.IndexRecord, error)

	// GetLatestIndex returns the newest record with time <= asOf.
	GetLatestIndex(ctx context.Context, marketKey string, asOf time.Time) (*model.IndexRecord, error)

	// --- Position journal ---

	// InsertPosition records an opened position.
	InsertPosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// GetPlayerPositions returns a player's positions, newest first.
	GetPlayerPositions(ctx context.Context, player string) ([]model.Position, error)

	// GetDuePositions returns open positions with ExpiresAt <= asOf.
	GetDuePositions(ctx context.Context, asOf time.Time) ([]model.Position, error)

	// ResolvePosition closes an open position with its final index value.
	ResolvePosition(ctx context.Context, id string, finalValue decimal.Decimal, won bool, resolvedAt time.Time) error

	// --- Leaderboard ---

	// GetPlayerStats ranks players by wins desc, losses asc, address asc.
	GetPlayerStats(ctx context.Context) ([]model.PlayerStats, error)
}

// latestAt finds the newest record with time <= asOf in an ascending series.
func latestAt(records []model.IndexRecord, asOf time.Time) (model.IndexRecord, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].Time.After(asOf) {
			return records[i], true
		}
	}
	return model.IndexRecord{}, false
}

// exactAt finds the record stamped at t in an ascending series.
func exactAt(records []model.IndexRecord, t time.Time) (model.IndexRecord, bool) {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Time.Equal(t) {
			return records[i], true
		}
		if records[i].Time.Before(t) {
			break
		}
	}
	return model.IndexRecord{}, false
}
