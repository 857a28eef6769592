package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	series    map[string][]model.IndexRecord
	positions map[string]*model.Position
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		series:    make(map[string][]model.IndexRecord),
		positions: make(map[string]*model.Position),
	}
}

func (s *MemoryStore) ReplaceIndexSeries(_ context.Context, marketKey string, records []model.IndexRecord) error {
	sorted := make([]model.IndexRecord, len(records))
	copy(sorted, records)
	for i := range sorted {
		sorted[i].Market = marketKey
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.series[marketKey] = sorted
	return nil
}

func (s *MemoryStore) GetIndexSeries(_ context.Context, marketKey string) ([]model.IndexRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.series[marketKey]
	if !ok {
		return nil, fmt.Errorf("index series %s: %w", marketKey, ErrNotFound)
	}
	out := make([]model.IndexRecord, len(records))
	copy(out, records)
	return out, nil
}

func (s *MemoryStore) GetIndexAt(_ context.Context, marketKey string, t time.Time) (*model.IndexRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := exactAt(s.series[marketKey], t)
	if !ok {
		return nil, fmt.Errorf("index %s at %s: %w", marketKey, t.Format(time.RFC3339), ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) GetLatestIndex(_ context.Context, marketKey string, asOf time.Time) (*model.IndexRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := latestAt(s.series[marketKey], asOf)
	if !ok {
		return nil, fmt.Errorf("latest index %s: %w", marketKey, ErrNotFound)
	}
	return &r, nil
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetPlayerPositions(_ context.Context, player string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if strings.EqualFold(p.Player, player) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OpenedAt.Equal(result[j].OpenedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].OpenedAt.After(result[j].OpenedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetDuePositions(_ context.Context, asOf time.Time) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for _, p := range s.positions {
		if p.Status == model.StatusOpen && !p.ExpiresAt.After(asOf) {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ExpiresAt.Equal(result[j].ExpiresAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	return result, nil
}

func (s *MemoryStore) ResolvePosition(_ context.Context, id string, finalValue decimal.Decimal, won bool, resolvedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	if p.Status != model.StatusOpen {
		return fmt.Errorf("position %s: %w", id, ErrAlreadyResolved)
	}
	at := resolvedAt
	p.Status = model.StatusClosed
	p.FinalValue = finalValue
	p.Won = won
	p.ResolvedAt = &at
	return nil
}

func (s *MemoryStore) GetPlayerStats(_ context.Context) ([]model.PlayerStats, error) {
	s.mu.RLock()
	positions := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		positions = append(positions, *p)
	}
	s.mu.RUnlock()

	return RankPlayers(positions), nil
}

// RankPlayers aggregates positions into leaderboard rows. Only closed
// positions count toward wins and losses; favorites consider every position.
func RankPlayers(positions []model.Position) []model.PlayerStats {
	type agg struct {
		address string
		wins    int
		losses  int
		cities  map[string]int
		markets map[string]int
	}

	byPlayer := make(map[string]*agg)
	for _, p := range positions {
		key := strings.ToLower(p.Player)
		a, ok := byPlayer[key]
		if !ok {
			a = &agg{address: p.Player, cities: map[string]int{}, markets: map[string]int{}}
			byPlayer[key] = a
		}
		a.cities[p.City]++
		a.markets[p.Category.String()]++
		if p.Status == model.StatusClosed {
			if p.Won {
				a.wins++
			} else {
				a.losses++
			}
		}
	}

	stats := make([]model.PlayerStats, 0, len(byPlayer))
	for _, a := range byPlayer {
		stats = append(stats, model.PlayerStats{
			Address:        a.address,
			Wins:           a.wins,
			Losses:         a.losses,
			FavoriteCity:   mostFrequent(a.cities),
			FavoriteMarket: mostFrequent(a.markets),
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Wins != stats[j].Wins {
			return stats[i].Wins > stats[j].Wins
		}
		if stats[i].Losses != stats[j].Losses {
			return stats[i].Losses < stats[j].Losses
		}
		return stats[i].Address < stats[j].Address
	})
	for i := range stats {
		stats[i].Rank = i + 1
	}
	return stats
}

// mostFrequent returns the highest count key, breaking ties alphabetically.
func mostFrequent(counts map[string]int) string {
	best, bestN := "", 0
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}
