package persistence

import (
	"context"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iota-uz/corpcms/modules/announcement/services"
	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/pkg/composables"
)

const selectAnnouncement = `
SELECT id, title, department_ids, rank_ids, position_ids, published_at, deleted_at, created_at, updated_at
FROM announcements`

type AnnouncementRepository struct{}

var _ services.Repository = (*AnnouncementRepository)(nil)

func NewAnnouncementRepository() *AnnouncementRepository {
	return &AnnouncementRepository{}
}

func (r *AnnouncementRepository) Get(ctx context.Context, id uuid.UUID) (services.Announcement, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.Announcement{}, err
	}
	a, err := scanAnnouncement(tx.QueryRow(ctx, selectAnnouncement+` WHERE id = $1`, id))
	if err != nil {
		if gerrors.Is(err, pgx.ErrNoRows) {
			return services.Announcement{}, services.ErrNotFound
		}
		return services.Announcement{}, gerrors.Wrap(err, "get announcement")
	}
	return a, nil
}

func (r *AnnouncementRepository) ListLive(ctx context.Context) ([]services.Announcement, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, selectAnnouncement+` WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, gerrors.Wrap(err, "list announcements")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (services.Announcement, error) {
		return scanAnnouncement(row)
	})
	if err != nil {
		return nil, gerrors.Wrap(err, "scan announcements")
	}
	return out, nil
}

func (r *AnnouncementRepository) Insert(ctx context.Context, a services.Announcement) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO announcements (id, title, department_ids, rank_ids, position_ids, published_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Title, nonNil(a.Permissions.DepartmentIDs), nonNil(a.Permissions.RankIDs), nonNil(a.Permissions.PositionIDs),
		a.PublishedAt, a.CreatedAt, a.UpdatedAt,
	); err != nil {
		return gerrors.Wrap(err, "insert announcement")
	}
	return nil
}

func (r *AnnouncementRepository) UpdatePermissions(ctx context.Context, id uuid.UUID, sets permref.Sets, at time.Time) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE announcements
SET department_ids = $2, rank_ids = $3, position_ids = $4, updated_at = $5
WHERE id = $1 AND deleted_at IS NULL`,
		id, nonNil(sets.DepartmentIDs), nonNil(sets.RankIDs), nonNil(sets.PositionIDs), at)
	if err != nil {
		return gerrors.Wrap(err, "update announcement permissions")
	}
	if tag.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

func (r *AnnouncementRepository) MarkDeleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE announcements SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return gerrors.Wrap(err, "delete announcement")
	}
	if tag.RowsAffected() == 0 {
		return services.ErrNotFound
	}
	return nil
}

func scanAnnouncement(row pgx.Row) (services.Announcement, error) {
	var (
		a           services.Announcement
		publishedAt pgtype.Timestamptz
		deletedAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&a.ID, &a.Title,
		&a.Permissions.DepartmentIDs, &a.Permissions.RankIDs, &a.Permissions.PositionIDs,
		&publishedAt, &deletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return services.Announcement{}, err
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		a.PublishedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return a, nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
