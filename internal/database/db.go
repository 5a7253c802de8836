// Package database owns the Postgres connection and schema for the
// historian. The coordination service itself never touches Postgres; only
// archived records land here.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect builds a pool from a DSN and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

// Migrate creates the finished_games table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	q := `
		CREATE TABLE IF NOT EXISTS finished_games (
			session_id       TEXT PRIMARY KEY,
			mode             TEXT NOT NULL,
			player_a         TEXT NOT NULL,
			player_b         TEXT NOT NULL,
			winner           TEXT,
			reason           TEXT NOT NULL,
			move_count       INT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			finished_at      TIMESTAMPTZ NOT NULL,
			recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to create finished_games: %w", err)
	}
	return nil
}
