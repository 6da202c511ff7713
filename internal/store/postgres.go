package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists aggregate snapshots. It sits on the committed-state
// side of the save-then-emit cycle: the repository writes the snapshot here
// first, and only then hands the buffered events to the bus.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Bootstrap creates the snapshot table if it does not exist.
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS aggregate_snapshots (
			kind       VARCHAR(255) NOT NULL,
			id         VARCHAR(255) NOT NULL,
			state      JSONB NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (kind, id)
		)
	`)
	if err != nil {
		return fmt.Errorf("creating snapshot table: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the serialized state of one aggregate.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, kind, id string, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aggregate_snapshots (kind, id, state, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = NOW()
	`, kind, id, state)
	if err != nil {
		return fmt.Errorf("saving snapshot %s/%s: %w", kind, id, err)
	}
	return nil
}

// GetSnapshot returns the stored state for one aggregate, or nil if absent.
func (s *PostgresStore) GetSnapshot(ctx context.Context, kind, id string) ([]byte, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		"SELECT state FROM aggregate_snapshots WHERE kind = $1 AND id = $2",
		kind, id,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s/%s: %w", kind, id, err)
	}
	return state, nil
}
