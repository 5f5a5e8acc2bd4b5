package common

import (
	"context"

	"github.com/iota-uz/corpcms/pkg/configuration"
	"github.com/jackc/pgx/v5/pgxpool"
)

// GetDatabasePool opens a pool for dsn, or for the configured database when
// dsn is empty, and pings it.
func GetDatabasePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		dsn = configuration.Use().Database.Opts
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
