package db

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

const migrationTableName = "pulse_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

type gooseLogger struct {
	logger zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Fatalf logs without exiting; goose errors are returned to the caller.
func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Migrate runs a goose command ("up", "down", "status", "version") against
// the embedded migrations.
func Migrate(ctx context.Context, pool *Pool, command string, logger zerolog.Logger) error {
	if pool == nil || pool.sqlDB == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{logger: logger})
	goose.SetTableName(migrationTableName)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	var err error
	switch strings.ToLower(strings.TrimSpace(command)) {
	case "", "up":
		err = goose.UpContext(ctx, pool.sqlDB, "migrations")
	case "down":
		err = goose.DownContext(ctx, pool.sqlDB, "migrations")
	case "status":
		err = goose.StatusContext(ctx, pool.sqlDB, "migrations")
	case "version":
		err = goose.VersionContext(ctx, pool.sqlDB, "migrations")
	default:
		return fmt.Errorf("unsupported migrate command %q", command)
	}
	if err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}
	return nil
}
