package repository

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/matt-riley/flagkit/migrations"
)

// Migrate applies the embedded PostgreSQL migrations to the pool's database.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	dir, err := fs.Sub(migrations.FS, migrations.PostgresDir)
	if err != nil {
		return fmt.Errorf("open postgres migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, dir)
	if err != nil {
		return fmt.Errorf("create goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	logger.Info("migrations applied", "dialect", "postgres", "count", len(results))
	return nil
}
