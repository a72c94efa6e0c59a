package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenRepository picks the ledger implementation from the DATABASE_URL scheme:
// postgres:// and postgresql:// use pgx, sqlite:// (or a bare ":memory:")
// uses the embedded driver.
func OpenRepository(ctx context.Context, databaseURL string) (Repository, error) {
	raw := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return openPostgres(ctx, raw)
	case strings.HasPrefix(raw, "sqlite://"):
		return NewSQLiteRepository(ctx, strings.TrimPrefix(raw, "sqlite://"))
	case raw == ":memory:":
		return NewSQLiteRepository(ctx, raw)
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", schemeOf(raw))
	}
}

func openPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	repo := NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger schema setup failed: %w", err)
	}
	log.Println("level=info component=store msg=\"postgres ledger ready\"")
	return repo, nil
}

func schemeOf(raw string) string {
	if i := strings.Index(raw, "://"); i > 0 {
		return raw[:i]
	}
	return raw
}
