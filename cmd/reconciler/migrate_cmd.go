package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/iota-uz/corpcms/migrations"
	"github.com/iota-uz/corpcms/pkg/configuration"
)

func newMigrateCmd(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrations(cmd.Context(), global, func(ctx context.Context, db *sql.DB) error {
				return goose.UpContext(ctx, db, ".")
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrations(cmd.Context(), global, func(ctx context.Context, db *sql.DB) error {
				return goose.DownContext(ctx, db, ".")
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print migration status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrations(cmd.Context(), global, func(ctx context.Context, db *sql.DB) error {
				return goose.StatusContext(ctx, db, ".")
			})
		},
	})
	return cmd
}

func withMigrations(ctx context.Context, global *globalOptions, fn func(context.Context, *sql.DB) error) error {
	dsn := global.dsn
	if dsn == "" {
		dsn = configuration.Use().Database.Opts
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return withCode(exitDB, fmt.Errorf("open database: %w", err))
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return withCode(exitDB, fmt.Errorf("ping database: %w", err))
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := fn(ctx, db); err != nil {
		return withCode(exitDB, err)
	}
	return nil
}

// gooseLogger routes goose output through the configured logger.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...any) {
	configuration.Use().Logger().Fatalf(format, v...)
}

func (gooseLogger) Printf(format string, v ...any) {
	configuration.Use().Logger().Infof(format, v...)
}
