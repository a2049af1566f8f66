package schema

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

const migrationsTable = "schema_migrations"

// Initialize applies all schemas for dialect d.
// It's safe to call multiple times - applied schemas are skipped.
func Initialize(ctx context.Context, db *sql.DB, d string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	schemas, err := All(d)
	if err != nil {
		return fmt.Errorf("failed to load schemas: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationsTable+` (
    name       TEXT PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create %s: %w", migrationsTable, err)
	}

	applied, err := appliedNames(ctx, db, d)
	if err != nil {
		return err
	}

	for _, s := range schemas {
		if applied[s.Name] {
			logger.Debug("schema already applied", "name", s.Name)
			continue
		}
		if err := applySchema(ctx, db, d, s); err != nil {
			return err
		}
		logger.Info("schema applied", "name", s.Name, "dialect", d)
	}
	return nil
}

func appliedNames(ctx context.Context, db *sql.DB, d string) (map[string]bool, error) {
	query, args := entsql.Dialect(d).Select("name").From(entsql.Table(migrationsTable)).Query()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", migrationsTable, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// applySchema runs one schema and records it in the same transaction.
func applySchema(ctx context.Context, db *sql.DB, d string, s Schema) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.DDL); err != nil {
		return fmt.Errorf("failed to apply schema %s: %w", s.Name, err)
	}
	query, args := entsql.Dialect(d).
		Insert(migrationsTable).
		Columns("name", "applied_at").
		Values(s.Name, time.Now().UnixMilli()).
		OnConflict(entsql.ConflictColumns("name"), entsql.DoNothing()).
		Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record schema %s: %w", s.Name, err)
	}
	return tx.Commit()
}
