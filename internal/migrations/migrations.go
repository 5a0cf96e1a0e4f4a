// Package migrations holds the embedded goose migrations for the team store.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var fs embed.FS

// Run applies all pending migrations against db and logs each one applied.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fs)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			"version", r.Source.Version,
			"file", r.Source.Path,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
	return nil
}
