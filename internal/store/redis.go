package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ReplaceIndexSeries(ctx context.Context, marketKey string, records []model.IndexRecord) error {
	if err := s.primary.ReplaceIndexSeries(ctx, marketKey, records); err != nil {
		return err
	}
	s.rdb.Del(ctx, seriesKey(marketKey))
	return nil
}

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, ranksKey())
	return nil
}

func (s *CachedStore) ResolvePosition(ctx context.Context, id string, finalValue decimal.Decimal, won bool, resolvedAt time.Time) error {
	if err := s.primary.ResolvePosition(ctx, id, finalValue, won, resolvedAt); err != nil {
		return err
	}
	s.rdb.Del(ctx, ranksKey())
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetIndexSeries(ctx context.Context, marketKey string) ([]model.IndexRecord, error) {
	data, err := s.rdb.Get(ctx, seriesKey(marketKey)).Bytes()
	if err == nil {
		var records []model.IndexRecord
		if json.Unmarshal(data, &records) == nil {
			return records, nil
		}
	}

	// Cache miss: read from primary.
	records, err := s.primary.GetIndexSeries(ctx, marketKey)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(records); err == nil {
		s.rdb.Set(ctx, seriesKey(marketKey), data, s.ttl)
	}
	return records, nil
}

func (s *CachedStore) GetIndexAt(ctx context.Context, marketKey string, t time.Time) (*model.IndexRecord, error) {
	records, err := s.GetIndexSeries(ctx, marketKey)
	if err != nil {
		return nil, err
	}
	r, ok := exactAt(records, t)
	if !ok {
		return nil, fmt.Errorf("index %s at %s: %w", marketKey, t.Format(time.RFC3339), ErrNotFound)
	}
	return &r, nil
}

func (s *CachedStore) GetLatestIndex(ctx context.Context, marketKey string, asOf time.Time) (*model.IndexRecord, error) {
	records, err := s.GetIndexSeries(ctx, marketKey)
	if err != nil {
		return nil, err
	}
	r, ok := latestAt(records, asOf)
	if !ok {
		return nil, fmt.Errorf("latest index %s: %w", marketKey, ErrNotFound)
	}
	return &r, nil
}

func (s *CachedStore) GetPlayerStats(ctx context.Context) ([]model.PlayerStats, error) {
	data, err := s.rdb.Get(ctx, ranksKey()).Bytes()
	if err == nil {
		var stats []model.PlayerStats
		if json.Unmarshal(data, &stats) == nil {
			return stats, nil
		}
	}

	stats, err := s.primary.GetPlayerStats(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(stats); err == nil {
		s.rdb.Set(ctx, ranksKey(), data, s.ttl)
	}
	return stats, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) GetPlayerPositions(ctx context.Context, player string) ([]model.Position, error) {
	return s.primary.GetPlayerPositions(ctx, player)
}

func (s *CachedStore) GetDuePositions(ctx context.Context, asOf time.Time) ([]model.Position, error) {
	return s.primary.GetDuePositions(ctx, asOf)
}

// --- Cache helpers ---

func seriesKey(market string) string { return fmt.Sprintf("index:%s", market) }
func ranksKey() string               { return "ranks" }
