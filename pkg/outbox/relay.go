package outbox

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Relay polls an outbox table and hands each due message to a Dispatcher.
// Failed dispatches are retried with exponential backoff until MaxAttempts.
type Relay struct {
	pool       *pgxpool.Pool
	table      pgx.Identifier
	dispatcher Dispatcher
	opts       RelayOptions

	lockKey    int64
	tableLabel string
	m          *metrics
	now        func() time.Time
}

func NewRelay(pool *pgxpool.Pool, table pgx.Identifier, dispatcher Dispatcher, opts RelayOptions) (*Relay, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	if dispatcher == nil {
		return nil, invalidConfig("dispatcher is required")
	}
	opts.setDefaults()
	return &Relay{
		pool:       pool,
		table:      table,
		dispatcher: dispatcher,
		opts:       opts,
		lockKey:    AdvisoryLockKey("outbox:" + TableLabel(table)),
		tableLabel: TableLabel(table),
		m:          getMetrics(),
		now:        time.Now,
	}, nil
}

// Run blocks until ctx is done. With SingleActive only the process holding
// the table's advisory lock dispatches; the others wait and retry.
func (r *Relay) Run(ctx context.Context) error {
	if !r.opts.SingleActive {
		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(1)
		return r.loop(ctx, newPgStore(r.pool, r.table))
	}

	for {
		if err := r.lead(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.opts.Logger.WithError(err).Warn("outbox: relay lost or failed to take leadership")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
	}
}

// lead runs the dispatch loop while holding the table's advisory lock. It
// returns nil immediately when another process holds it.
func (r *Relay) lead(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, r.lockKey).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(0)
		return nil
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1::bigint)`, r.lockKey)
		r.m.relayLeader.WithLabelValues(r.tableLabel).Set(0)
	}()

	r.m.relayLeader.WithLabelValues(r.tableLabel).Set(1)
	r.opts.Logger.WithField("table", r.tableLabel).Info("outbox: relay became leader")
	return r.loop(ctx, newPgStore(conn, r.table))
}

func (r *Relay) loop(ctx context.Context, s store) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	nextDepth := r.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if r.now().After(nextDepth) {
			r.observeDepth(ctx, s)
			nextDepth = r.now().Add(r.opts.ObserveDepthEvery)
		}
		if _, err := r.processOnce(ctx, s); err != nil {
			if isCtxErr(err) {
				return err
			}
			r.opts.Logger.WithError(err).Warn("outbox: relay tick failed")
		}
	}
}

// processOnce claims one batch and dispatches it. It returns the number of
// messages dispatched successfully.
func (r *Relay) processOnce(ctx context.Context, s store) (int, error) {
	now := r.now()
	batch, err := s.Claim(ctx, now, now.Add(-r.opts.LockTTL), r.opts.MaxAttempts, r.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, c := range batch {
		log := r.opts.Logger.WithFields(logrus.Fields{
			"table":    r.tableLabel,
			"topic":    c.Topic,
			"key":      c.Key,
			"event_id": c.EventID.String(),
			"attempts": c.Attempts,
		})

		start := time.Now()
		err := r.dispatch(ctx, c)
		latency := time.Since(start).Seconds()

		if err == nil {
			r.m.dispatchTotal.WithLabelValues(r.tableLabel, c.Topic, "success").Inc()
			r.m.dispatchLatency.WithLabelValues(r.tableLabel, c.Topic, "success").Observe(latency)
			if err := s.Ack(ctx, c.ID); err != nil {
				log.WithError(err).Warn("outbox: ack failed")
				continue
			}
			sent++
			continue
		}

		r.m.dispatchTotal.WithLabelValues(r.tableLabel, c.Topic, "failure").Inc()
		r.m.dispatchLatency.WithLabelValues(r.tableLabel, c.Topic, "failure").Observe(latency)
		lastErr := truncateError(err, r.opts.LastErrorMaxLen)

		if c.Attempts >= r.opts.MaxAttempts {
			r.m.deadTotal.WithLabelValues(r.tableLabel, c.Topic).Inc()
			log.WithError(err).Error("outbox: message exhausted its attempts")
			if err := s.Bury(ctx, c.ID, lastErr); err != nil {
				log.WithError(err).Warn("outbox: bury failed")
			}
			continue
		}

		next := r.now().Add(backoff(c.Attempts, r.opts.MaxBackoff) + jitter(r.opts.Rand, r.opts.JitterMax))
		if err := s.Retry(ctx, c.ID, lastErr, next); err != nil {
			log.WithError(err).Warn("outbox: retry update failed")
		}
	}
	return sent, nil
}

func (r *Relay) dispatch(ctx context.Context, c claimed) error {
	ctx, cancel := context.WithTimeout(ctx, r.opts.DispatchTimeout)
	defer cancel()
	return r.dispatcher.Dispatch(ctx, DispatchedMessage{
		Meta: Meta{
			Table:    r.table,
			Topic:    c.Topic,
			Key:      c.Key,
			EventID:  c.EventID,
			Sequence: c.Sequence,
			Attempts: c.Attempts,
			Created:  c.CreatedAt,
		},
		Payload: c.Payload,
	})
}

func (r *Relay) observeDepth(ctx context.Context, s store) {
	pending, locked, err := s.Depth(ctx)
	if err != nil {
		r.opts.Logger.WithError(err).Debug("outbox: depth query failed")
		return
	}
	r.m.pending.WithLabelValues(r.tableLabel).Set(float64(pending))
	r.m.locked.WithLabelValues(r.tableLabel).Set(float64(locked))
}

// AdvisoryLockKey hashes name into a Postgres advisory lock key.
func AdvisoryLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
