package persistence

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/iota-uz/corpcms/modules/reconciliation/services"
	"github.com/iota-uz/corpcms/pkg/outbox"
)

// AdvisoryLocker holds a session-level pg_try_advisory_lock on a dedicated
// connection for the duration of a run. The lock dies with the connection,
// so the ttl is not needed.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

var _ services.RunLocker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

func (l *AdvisoryLocker) TryLock(ctx context.Context, name string, _ time.Duration) (services.Release, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to acquire connection")
	}
	key := outbox.AdvisoryLockKey(name)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "failed to try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		defer conn.Release()
		var unlocked bool
		if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&unlocked); err != nil {
			// Closing the session drops the lock with it.
			_ = conn.Conn().Close(ctx)
			return errors.Wrap(err, "failed to release advisory lock")
		}
		return nil
	}, true, nil
}
