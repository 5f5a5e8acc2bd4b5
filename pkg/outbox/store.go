package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

type claimed struct {
	ID        uuid.UUID
	Topic     string
	Key       string
	Payload   []byte
	EventID   uuid.UUID
	Sequence  int64
	Attempts  int
	CreatedAt time.Time
}

// store is the persistence side of the relay and the cleaner.
type store interface {
	Claim(ctx context.Context, now, lockCutoff time.Time, maxAttempts, limit int) ([]claimed, error)
	Ack(ctx context.Context, id uuid.UUID) error
	Retry(ctx context.Context, id uuid.UUID, lastError string, next time.Time) error
	Bury(ctx context.Context, id uuid.UUID, lastError string) error
	Depth(ctx context.Context) (pending, locked int64, err error)
	Purge(ctx context.Context, publishedBefore time.Time) (int64, error)
}

// conn is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type conn interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgStore struct {
	db    conn
	table string
}

func newPgStore(db conn, table pgx.Identifier) *pgStore {
	return &pgStore{db: db, table: table.Sanitize()}
}

func (s *pgStore) Claim(ctx context.Context, now, lockCutoff time.Time, maxAttempts, limit int) ([]claimed, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT id, topic, key, payload, event_id, sequence, attempts, created_at
		   FROM %s
		  WHERE published_at IS NULL
		    AND available_at <= $1
		    AND attempts < $2
		    AND (locked_at IS NULL OR locked_at < $3)
		  ORDER BY available_at, sequence
		  LIMIT $4
		  FOR UPDATE SKIP LOCKED`, s.table),
		now, maxAttempts, lockCutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox claim select: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (claimed, error) {
		var c claimed
		err := row.Scan(&c.ID, &c.Topic, &c.Key, &c.Payload, &c.EventID, &c.Sequence, &c.Attempts, &c.CreatedAt)
		c.Attempts++
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("outbox claim scan: %w", err)
	}
	if len(items) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, len(items))
	for i, c := range items {
		ids[i] = c.ID
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET locked_at = $1, attempts = attempts + 1 WHERE id = ANY($2)`, s.table),
		now, pgtype.FlatArray[uuid.UUID](ids),
	); err != nil {
		return nil, fmt.Errorf("outbox claim update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *pgStore) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET published_at = now(), locked_at = NULL, last_error = NULL
		  WHERE id = $1 AND published_at IS NULL`, s.table), id)
	if err != nil {
		return fmt.Errorf("outbox ack: %w", err)
	}
	return nil
}

func (s *pgStore) Retry(ctx context.Context, id uuid.UUID, lastError string, next time.Time) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET locked_at = NULL, last_error = $2, available_at = $3
		  WHERE id = $1 AND published_at IS NULL`, s.table), id, lastError, next)
	if err != nil {
		return fmt.Errorf("outbox retry: %w", err)
	}
	return nil
}

// Bury leaves the row unpublished with attempts at the limit so Claim never
// selects it again.
func (s *pgStore) Bury(ctx context.Context, id uuid.UUID, lastError string) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET locked_at = NULL, last_error = $2
		  WHERE id = $1 AND published_at IS NULL`, s.table), id, lastError)
	if err != nil {
		return fmt.Errorf("outbox bury: %w", err)
	}
	return nil
}

func (s *pgStore) Depth(ctx context.Context) (int64, int64, error) {
	var pending, locked int64
	err := s.db.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*), count(*) FILTER (WHERE locked_at IS NOT NULL)
		   FROM %s WHERE published_at IS NULL`, s.table)).Scan(&pending, &locked)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox depth: %w", err)
	}
	return pending, locked, nil
}

func (s *pgStore) Purge(ctx context.Context, publishedBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE published_at IS NOT NULL AND published_at < $1`, s.table), publishedBefore)
	if err != nil {
		return 0, fmt.Errorf("outbox purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
