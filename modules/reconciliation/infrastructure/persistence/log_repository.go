package persistence

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/modules/reconciliation/services"
	"github.com/iota-uz/corpcms/pkg/composables"
)

const selectLogEntry = `
SELECT id, entity_kind, entity_id, entity_name, invalid_departments, snapshot,
       action, note, patch, detected_at, resolved_at, resolved_by
FROM reconciliation_log`

type pgLogRepository struct{}

func NewLogRepository() services.LogRepository {
	return &pgLogRepository{}
}

func (r *pgLogRepository) Get(ctx context.Context, id uuid.UUID) (services.LogEntry, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.LogEntry{}, errors.Wrap(err, "failed to get transaction")
	}
	entry, err := scanEntry(tx.QueryRow(ctx, selectLogEntry+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return services.LogEntry{}, services.ErrEntryNotFound
	}
	if err != nil {
		return services.LogEntry{}, errors.Wrap(err, "failed to get reconciliation entry")
	}
	return entry, nil
}

func (r *pgLogRepository) ListOpen(ctx context.Context, kind permref.EntityKind) ([]services.LogEntry, error) {
	return r.list(ctx, selectLogEntry+`
		WHERE entity_kind = $1 AND action = 'DETECTED'
		ORDER BY detected_at`, kind)
}

func (r *pgLogRepository) FindOpen(ctx context.Context, kind permref.EntityKind, entityID uuid.UUID) (*services.LogEntry, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	entry, err := scanEntry(tx.QueryRow(ctx, selectLogEntry+`
		WHERE entity_kind = $1 AND entity_id = $2 AND action = 'DETECTED'
		FOR UPDATE`, kind, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find open reconciliation entry")
	}
	return &entry, nil
}

func (r *pgLogRepository) InsertDetected(ctx context.Context, entry services.LogEntry) error {
	err := r.insert(ctx, entry)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return services.ErrOpenEntryExists
	}
	return err
}

func (r *pgLogRepository) InsertResolved(ctx context.Context, entry services.LogEntry) error {
	return r.insert(ctx, entry)
}

func (r *pgLogRepository) MarkResolved(ctx context.Context, id uuid.UUID, res services.Resolution) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE reconciliation_log
		SET action = 'RESOLVED', note = $2, resolved_at = $3, resolved_by = $4, patch = $5
		WHERE id = $1 AND action = 'DETECTED'`,
		id, res.Note, res.At, res.By, nullableJSON(res.Patch))
	if err != nil {
		return errors.Wrap(err, "failed to resolve reconciliation entry")
	}
	if tag.RowsAffected() == 0 {
		return services.ErrEntryNotFound
	}
	return nil
}

func (r *pgLogRepository) ListByEntity(ctx context.Context, kind permref.EntityKind, entityID uuid.UUID) ([]services.LogEntry, error) {
	return r.list(ctx, selectLogEntry+`
		WHERE entity_kind = $1 AND entity_id = $2
		ORDER BY detected_at DESC, id`, kind, entityID)
}

func (r *pgLogRepository) ListRecent(ctx context.Context, kind permref.EntityKind, limit int) ([]services.LogEntry, error) {
	return r.list(ctx, selectLogEntry+`
		WHERE entity_kind = $1
		ORDER BY COALESCE(resolved_at, detected_at) DESC, id
		LIMIT $2`, kind, limit)
}

func (r *pgLogRepository) insert(ctx context.Context, e services.LogEntry) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to get transaction")
	}
	invalid, err := json.Marshal(e.InvalidDepartments)
	if err != nil {
		return errors.Wrap(err, "failed to encode invalid departments")
	}
	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return errors.Wrap(err, "failed to encode snapshot")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO reconciliation_log (
			id, entity_kind, entity_id, entity_name, invalid_departments, snapshot,
			action, note, patch, detected_at, resolved_at, resolved_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, string(e.EntityKind), e.EntityID, e.EntityName, invalid, snapshot,
		string(e.Action), e.Note, nullableJSON(e.Patch), e.DetectedAt, e.ResolvedAt, e.ResolvedBy,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert reconciliation entry")
	}
	return nil
}

func (r *pgLogRepository) list(ctx context.Context, query string, args ...any) ([]services.LogEntry, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transaction")
	}
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query reconciliation entries")
	}
	defer rows.Close()

	var out []services.LogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan reconciliation entry")
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating reconciliation entries")
	}
	return out, nil
}

func scanEntry(row pgx.Row) (services.LogEntry, error) {
	var (
		e          services.LogEntry
		kind       string
		action     string
		invalid    []byte
		snapshot   []byte
		patch      []byte
		resolvedAt pgtype.Timestamptz
		resolvedBy pgtype.UUID
	)
	if err := row.Scan(
		&e.ID, &kind, &e.EntityID, &e.EntityName, &invalid, &snapshot,
		&action, &e.Note, &patch, &e.DetectedAt, &resolvedAt, &resolvedBy,
	); err != nil {
		return services.LogEntry{}, err
	}
	e.EntityKind = permref.EntityKind(kind)
	e.Action = services.Action(action)
	if err := json.Unmarshal(invalid, &e.InvalidDepartments); err != nil {
		return services.LogEntry{}, errors.Wrap(err, "failed to decode invalid departments")
	}
	if err := json.Unmarshal(snapshot, &e.Snapshot); err != nil {
		return services.LogEntry{}, errors.Wrap(err, "failed to decode snapshot")
	}
	if len(patch) > 0 {
		e.Patch = json.RawMessage(patch)
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		e.ResolvedAt = &t
	}
	if resolvedBy.Valid {
		id := uuid.UUID(resolvedBy.Bytes)
		e.ResolvedBy = &id
	}
	return e, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

