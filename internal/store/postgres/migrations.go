package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/uptrace/bun"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// Migrate applies every embedded migration that has not been recorded yet.
// Concurrent callers serialize on an advisory lock.
func Migrate(ctx context.Context, db *bun.DB) error {
	names, err := migrationNames(migrationFS)
	if err != nil {
		return err
	}

	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", migrationTable).Exec(ctx); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		createSQL := "CREATE TABLE IF NOT EXISTS " + migrationTable +
			" (name text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())"
		if _, err := tx.NewRaw(createSQL).Exec(ctx); err != nil {
			return fmt.Errorf("ensure migration table: %w", err)
		}

		for _, name := range names {
			var applied bool
			err := tx.NewRaw("SELECT EXISTS (SELECT 1 FROM "+migrationTable+" WHERE name = ?)", name).Scan(ctx, &applied)
			if err != nil {
				return fmt.Errorf("check migration %s: %w", name, err)
			}
			if applied {
				continue
			}

			b, err := fs.ReadFile(migrationFS, "migrations/"+name)
			if err != nil {
				return fmt.Errorf("read migration %s: %w", name, err)
			}
			upSQL, err := extractGooseUp(string(b))
			if err != nil {
				return fmt.Errorf("migration %s: %w", name, err)
			}
			for _, stmt := range splitSQLStatements(upSQL) {
				if _, err := tx.NewRaw(stmt).Exec(ctx); err != nil {
					return fmt.Errorf("exec migration %s: %w", name, err)
				}
			}
			if _, err := tx.NewRaw("INSERT INTO "+migrationTable+" (name) VALUES (?)", name).Exec(ctx); err != nil {
				return fmt.Errorf("record migration %s: %w", name, err)
			}
		}
		return nil
	})
}

func migrationNames(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

// splitSQLStatements splits on semicolons. Migrations must not use semicolons
// inside literals or function bodies.
func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
