package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zona/index-engine/internal/market"
	"github.com/zona/index-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All index values and amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceIndexSeries(ctx context.Context, marketKey string, records []model.IndexRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM index_records WHERE market = $1`, marketKey); err != nil {
		return fmt.Errorf("clear series %s: %w", marketKey, err)
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO index_records (market, time, hour, value)
			 VALUES ($1, $2, $3, $4::NUMERIC)
			 ON CONFLICT (market, time) DO UPDATE SET hour = EXCLUDED.hour, value = EXCLUDED.value`,
			marketKey, r.Time.UTC(), r.Hour, r.Value.String(),
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert series %s: %w", marketKey, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetIndexSeries(ctx context.Context, marketKey string) ([]model.IndexRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market, time, hour, value::TEXT
		 FROM index_records WHERE market = $1 ORDER BY time`, marketKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanIndexRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("index series %s: %w", marketKey, ErrNotFound)
	}
	return records, nil
}

func (s *PostgresStore) GetIndexAt(ctx context.Context, marketKey string, t time.Time) (*model.IndexRecord, error) {
	return s.queryIndexRecord(ctx,
		`SELECT market, time, hour, value::TEXT
		 FROM index_records WHERE market = $1 AND time = $2`, marketKey, t.UTC())
}

func (s *PostgresStore) GetLatestIndex(ctx context.Context, marketKey string, asOf time.Time) (*model.IndexRecord, error) {
	return s.queryIndexRecord(ctx,
		`SELECT market, time, hour, value::TEXT
		 FROM index_records WHERE market = $1 AND time <= $2
		 ORDER BY time DESC LIMIT 1`, marketKey, asOf.UTC())
}

func (s *PostgresStore) queryIndexRecord(ctx context.Context, sql string, marketKey string, t time.Time) (*model.IndexRecord, error) {
	var r model.IndexRecord
	var value string
	err := s.pool.QueryRow(ctx, sql, marketKey, t).Scan(&r.Market, &r.Time, &r.Hour, &value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %s at %s: %w", marketKey, t.Format(time.RFC3339), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Value, _ = decimal.NewFromString(value)
	return &r, nil
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, player, city, category, is_long, amount, leverage,
		                        entry_price, liquidation_price, timeframe, status,
		                        opened_at, expires_at, final_value, won, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10, $11, $12, $13, $14::NUMERIC, $15, $16)`,
		p.ID, p.Player, p.City, int16(p.Category), p.Long,
		p.Amount.String(), p.Leverage.String(),
		p.EntryPrice.String(), p.LiquidationPrice.String(),
		p.Timeframe, p.Status, p.OpenedAt, p.ExpiresAt,
		p.FinalValue.String(), p.Won, p.ResolvedAt,
	)
	return err
}

const positionColumns = `id, player, city, category, is_long,
	amount::TEXT, leverage::TEXT, entry_price::TEXT, liquidation_price::TEXT,
	timeframe, status, opened_at, expires_at, final_value::TEXT, won, resolved_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	return &positions[0], nil
}

func (s *PostgresStore) GetPlayerPositions(ctx context.Context, player string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE lower(player) = lower($1) ORDER BY opened_at DESC, id`, player)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) GetDuePositions(ctx context.Context, asOf time.Time) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE status = 'open' AND expires_at <= $1 ORDER BY expires_at, id`, asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ResolvePosition(ctx context.Context, id string, finalValue decimal.Decimal, won bool, resolvedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET status = 'closed', final_value = $2::NUMERIC, won = $3, resolved_at = $4
		 WHERE id = $1 AND status = 'open'`,
		id, finalValue.String(), won, resolvedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetPosition(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("position %s: %w", id, ErrAlreadyResolved)
	}
	return nil
}

// GetPlayerStats loads the slim columns the leaderboard needs and ranks in Go,
// sharing the tie-breaking rules with MemoryStore.
func (s *PostgresStore) GetPlayerStats(ctx context.Context) ([]model.PlayerStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT player, city, category, status, won FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var category int16
		if err := rows.Scan(&p.Player, &p.City, &category, &p.Status, &p.Won); err != nil {
			return nil, err
		}
		p.Category = market.Category(category)
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return RankPlayers(positions), nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanIndexRecords(rows pgxRows) ([]model.IndexRecord, error) {
	var records []model.IndexRecord
	for rows.Next() {
		var r model.IndexRecord
		var value string
		if err := rows.Scan(&r.Market, &r.Time, &r.Hour, &value); err != nil {
			return nil, err
		}
		r.Value, _ = decimal.NewFromString(value)
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var category int16
		var amountS, leverageS, entryS, liqS, finalS string

		if err := rows.Scan(&p.ID, &p.Player, &p.City, &category, &p.Long,
			&amountS, &leverageS, &entryS, &liqS,
			&p.Timeframe, &p.Status, &p.OpenedAt, &p.ExpiresAt,
			&finalS, &p.Won, &p.ResolvedAt); err != nil {
			return nil, err
		}

		p.Category = market.Category(category)
		p.Amount, _ = decimal.NewFromString(amountS)
		p.Leverage, _ = decimal.NewFromString(leverageS)
		p.EntryPrice, _ = decimal.NewFromString(entryS)
		p.LiquidationPrice, _ = decimal.NewFromString(liqS)
		p.FinalValue, _ = decimal.NewFromString(finalS)

		positions = append(positions, p)
	}
	return positions, rows.Err()
}
