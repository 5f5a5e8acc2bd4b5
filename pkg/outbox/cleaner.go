package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Cleaner periodically deletes messages published longer than Retention ago.
type Cleaner struct {
	store      store
	opts       CleanerOptions
	tableLabel string
	m          *metrics
}

func NewCleaner(pool *pgxpool.Pool, table pgx.Identifier, opts CleanerOptions) (*Cleaner, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	opts.setDefaults()
	return &Cleaner{
		store:      newPgStore(pool, table),
		opts:       opts,
		tableLabel: TableLabel(table),
		m:          getMetrics(),
	}, nil
}

func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if _, err := c.cleanOnce(ctx, time.Now()); err != nil {
			if isCtxErr(err) {
				return err
			}
			c.opts.Logger.WithError(err).WithField("table", c.tableLabel).Warn("outbox: cleaner tick failed")
		}
	}
}

func (c *Cleaner) cleanOnce(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.store.Purge(ctx, now.Add(-c.opts.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.m.purgedTotal.WithLabelValues(c.tableLabel).Add(float64(n))
	}
	return n, nil
}
