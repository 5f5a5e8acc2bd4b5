package outbox

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	rows    []claimed
	acked   []uuid.UUID
	retried map[uuid.UUID]time.Time
	buried  map[uuid.UUID]string
	purged  time.Time
}

func newMemStore(rows ...claimed) *memStore {
	return &memStore{rows: rows, retried: map[uuid.UUID]time.Time{}, buried: map[uuid.UUID]string{}}
}

func (s *memStore) Claim(_ context.Context, _, _ time.Time, _, limit int) ([]claimed, error) {
	if len(s.rows) > limit {
		out := s.rows[:limit]
		s.rows = s.rows[limit:]
		return out, nil
	}
	out := s.rows
	s.rows = nil
	return out, nil
}

func (s *memStore) Ack(_ context.Context, id uuid.UUID) error {
	s.acked = append(s.acked, id)
	return nil
}

func (s *memStore) Retry(_ context.Context, id uuid.UUID, _ string, next time.Time) error {
	s.retried[id] = next
	return nil
}

func (s *memStore) Bury(_ context.Context, id uuid.UUID, lastError string) error {
	s.buried[id] = lastError
	return nil
}

func (s *memStore) Depth(context.Context) (int64, int64, error) {
	return int64(len(s.rows)), 0, nil
}

func (s *memStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.purged = before
	return 3, nil
}

func newTestRelay(t *testing.T, d Dispatcher, opts RelayOptions) *Relay {
	t.Helper()
	opts.Rand = rand.New(rand.NewSource(1))
	opts.setDefaults()
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return &Relay{
		table:      pgx.Identifier{"public", "reconciliation_outbox"},
		dispatcher: d,
		opts:       opts,
		tableLabel: "public.reconciliation_outbox",
		m:          getMetrics(),
		now:        func() time.Time { return fixed },
	}
}

func msg(topic string, attempts int) claimed {
	return claimed{ID: uuid.New(), EventID: uuid.New(), Topic: topic, Key: "entity-1", Attempts: attempts}
}

func TestRelay_ProcessOnce_NoHeadOfLineBlocking(t *testing.T) {
	ok1, poison, ok2 := msg("drift.detected", 1), msg("poison", 1), msg("drift.detected", 1)
	s := newMemStore(ok1, poison, ok2)

	var seen []string
	d := DispatcherFunc(func(ctx context.Context, m DispatchedMessage) error {
		seen = append(seen, m.Meta.Topic)
		require.Equal(t, "entity-1", m.Meta.Key)
		if m.Meta.Topic == "poison" {
			return errors.New("poison")
		}
		return nil
	})
	r := newTestRelay(t, d, RelayOptions{MaxAttempts: 3})

	sent, err := r.processOnce(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Equal(t, []string{"drift.detected", "poison", "drift.detected"}, seen)
	require.ElementsMatch(t, []uuid.UUID{ok1.ID, ok2.ID}, s.acked)

	next, retried := s.retried[poison.ID]
	require.True(t, retried)
	require.True(t, next.After(r.now()), "retry must be scheduled in the future")
	require.Empty(t, s.buried)
}

func TestRelay_ProcessOnce_BuriesAfterMaxAttempts(t *testing.T) {
	poison := msg("poison", 3)
	s := newMemStore(poison)
	d := DispatcherFunc(func(context.Context, DispatchedMessage) error { return errors.New("still broken") })
	r := newTestRelay(t, d, RelayOptions{MaxAttempts: 3})

	sent, err := r.processOnce(context.Background(), s)
	require.NoError(t, err)
	require.Zero(t, sent)
	require.Equal(t, "still broken", s.buried[poison.ID])
	require.Empty(t, s.retried)
}

func TestRelay_ProcessOnce_RespectsBatchSize(t *testing.T) {
	s := newMemStore(msg("a", 1), msg("b", 1), msg("c", 1))
	d := DispatcherFunc(func(context.Context, DispatchedMessage) error { return nil })
	r := newTestRelay(t, d, RelayOptions{BatchSize: 2})

	sent, err := r.processOnce(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, 2, sent)
	require.Len(t, s.rows, 1)
}

func TestCleaner_CleanOnce(t *testing.T) {
	s := newMemStore()
	opts := CleanerOptions{Retention: time.Hour}
	opts.setDefaults()
	c := &Cleaner{store: s, opts: opts, tableLabel: "t", m: getMetrics()}

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	n, err := c.cleanOnce(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.Equal(t, now.Add(-time.Hour), s.purged)
}

func TestNewRelay_Validation(t *testing.T) {
	_, err := NewRelay(nil, pgx.Identifier{"t"}, DispatcherFunc(nil), RelayOptions{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestAdvisoryLockKey_Stable(t *testing.T) {
	require.Equal(t, AdvisoryLockKey("outbox:t"), AdvisoryLockKey("outbox:t"))
	require.NotEqual(t, AdvisoryLockKey("outbox:a"), AdvisoryLockKey("outbox:b"))
}
