// Package postgres is the server-side record repository.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"datasync/internal/infrastructure/migration"
)

type Storage struct {
	pool *pgxpool.Pool
}

// New migrates the database at databaseURI and opens a pool on it.
func New(ctx context.Context, databaseURI string) (*Storage, error) {
	if err := migration.NewMigration(migration.Postgres, databaseURI, nil).Up(); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	pool, err := pgxpool.New(ctx, databaseURI)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() error {
	s.pool.Close()
	return nil
}

func (s *Storage) Pool() *pgxpool.Pool {
	return s.pool
}
