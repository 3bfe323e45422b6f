package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate brings the central store's sync support tables up to date.
// The web application owns the business tables; only the change log,
// tombstone, backup and audit tables belong to this engine.
func Migrate(ctx context.Context, connString string, logger *slog.Logger) error {
	conn, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer conn.Close()

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, conn, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	version, _ := goose.GetDBVersionContext(ctx, conn)
	logger.Info("Sync schema up to date", "version", version)
	return nil
}
