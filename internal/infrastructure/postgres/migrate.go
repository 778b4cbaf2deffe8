package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationLockID serializes concurrent Migrate calls across processes.
const migrationLockID = 727274

// Migration is one embedded schema file.
type Migration struct {
	Version string
	SQL     string
}

// Migrations returns the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		out = append(out, Migration{
			Version: strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql"),
			SQL:     string(data),
		})
	}
	return out, nil
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations. Each migration runs in its own transaction.
func (db *DB) Migrate(ctx context.Context, logger *zap.Logger) ([]string, error) {
	migrations, err := Migrations()
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	var applied []string
	for _, m := range migrations {
		ran := false
		err := db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
				return fmt.Errorf("failed to lock migrations: %w", err)
			}

			var exists bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check migration %s: %w", m.Version, err)
			}
			if exists {
				return nil
			}

			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", m.Version, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
				return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
			}
			ran = true
			return nil
		})
		if err != nil {
			return applied, err
		}
		if ran {
			logger.Info("applied migration", zap.String("version", m.Version))
			applied = append(applied, m.Version)
		}
	}

	return applied, nil
}
