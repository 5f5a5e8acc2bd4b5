package persistence

import (
	"context"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/iota-uz/corpcms/modules/wiki/services"
	"github.com/iota-uz/corpcms/pkg/composables"
)

const nodeColumns = `n.id, n.name, n.kind, n.parent_id, n.depth, n.is_public,
	n.permission_rank_ids, n.permission_position_ids, n.permission_department_ids,
	n.sort_order, n.deleted_at, n.created_at, n.updated_at`

// WikiRepository stores nodes in wiki_nodes and the closure in
// wiki_node_closure.
type WikiRepository struct{}

var _ services.HierarchyRepository = (*WikiRepository)(nil)

func NewWikiRepository() *WikiRepository {
	return &WikiRepository{}
}

func (r *WikiRepository) GetNode(ctx context.Context, id uuid.UUID) (services.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return services.Node{}, err
	}
	row := tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM wiki_nodes n WHERE n.id = $1`, pgUUID(id))
	n, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return services.Node{}, errors.Wrapf(services.ErrNotFound, "node %s", id)
		}
		return services.Node{}, wrap(err, "get wiki node")
	}
	return n, nil
}

func (r *WikiRepository) LockNodes(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })
	rows, err := tx.Query(ctx, `
SELECT id FROM wiki_nodes
WHERE id = ANY($1)
ORDER BY id
FOR UPDATE`, pgUUIDArray(sorted))
	if err != nil {
		return wrap(err, "lock wiki nodes")
	}
	rows.Close()
	return wrap(rows.Err(), "lock wiki nodes")
}

func (r *WikiRepository) InsertNode(ctx context.Context, n services.Node) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
INSERT INTO wiki_nodes (
	id, name, kind, parent_id, depth, is_public,
	permission_rank_ids, permission_position_ids, permission_department_ids,
	sort_order, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		pgUUID(n.ID), n.Name, string(n.Kind), pgNullableUUID(n.ParentID), n.Depth, n.IsPublic,
		textArray(n.Permissions.RankIDs), textArray(n.Permissions.PositionIDs), textArray(n.Permissions.DepartmentIDs),
		n.Order, n.CreatedAt, n.UpdatedAt,
	)
	return wrap(err, "insert wiki node")
}

func (r *WikiRepository) UpdateNode(ctx context.Context, n services.Node) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `
UPDATE wiki_nodes SET
	name = $2,
	parent_id = $3,
	depth = $4,
	is_public = $5,
	permission_rank_ids = $6,
	permission_position_ids = $7,
	permission_department_ids = $8,
	sort_order = $9,
	updated_at = $10
WHERE id = $1`,
		pgUUID(n.ID), n.Name, pgNullableUUID(n.ParentID), n.Depth, n.IsPublic,
		textArray(n.Permissions.RankIDs), textArray(n.Permissions.PositionIDs), textArray(n.Permissions.DepartmentIDs),
		n.Order, n.UpdatedAt,
	)
	if err != nil {
		return wrap(err, "update wiki node")
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(services.ErrNotFound, "node %s", n.ID)
	}
	return nil
}

func (r *WikiRepository) UpdateDepths(ctx context.Context, depths map[uuid.UUID]int) error {
	if len(depths) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(depths))
	values := make([]int32, 0, len(depths))
	for id, d := range depths {
		ids = append(ids, id)
		values = append(values, int32(d))
	}
	_, err = tx.Exec(ctx, `
UPDATE wiki_nodes n
SET depth = v.depth, updated_at = now()
FROM unnest($1::uuid[], $2::int[]) AS v(id, depth)
WHERE n.id = v.id`, pgUUIDArray(ids), values)
	return wrap(err, "update wiki depths")
}

func (r *WikiRepository) MarkDeleted(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
UPDATE wiki_nodes
SET deleted_at = $2, updated_at = $2
WHERE id = ANY($1) AND deleted_at IS NULL`, pgUUIDArray(ids), at)
	return wrap(err, "soft delete wiki nodes")
}

func (r *WikiRepository) InsertClosure(ctx context.Context, edges []services.ClosureEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	anc := make([]uuid.UUID, len(edges))
	desc := make([]uuid.UUID, len(edges))
	depth := make([]int32, len(edges))
	for i, e := range edges {
		anc[i], desc[i], depth[i] = e.AncestorID, e.DescendantID, int32(e.Depth)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO wiki_node_closure (ancestor_id, descendant_id, depth)
SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::int[])`,
		pgUUIDArray(anc), pgUUIDArray(desc), depth)
	return wrap(err, "insert wiki closure")
}

func (r *WikiRepository) DeleteClosure(ctx context.Context, ancestors, descendants []uuid.UUID) error {
	if len(ancestors) == 0 || len(descendants) == 0 {
		return nil
	}
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
DELETE FROM wiki_node_closure
WHERE ancestor_id = ANY($1) AND descendant_id = ANY($2)`,
		pgUUIDArray(ancestors), pgUUIDArray(descendants))
	return wrap(err, "detach wiki closure")
}

func (r *WikiRepository) Ancestors(ctx context.Context, id uuid.UUID) ([]services.ClosureEdge, error) {
	return r.edges(ctx, `SELECT ancestor_id, descendant_id, depth FROM wiki_node_closure WHERE descendant_id = $1`, id)
}

func (r *WikiRepository) Descendants(ctx context.Context, id uuid.UUID) ([]services.ClosureEdge, error) {
	return r.edges(ctx, `SELECT ancestor_id, descendant_id, depth FROM wiki_node_closure WHERE ancestor_id = $1`, id)
}

func (r *WikiRepository) edges(ctx context.Context, q string, id uuid.UUID) ([]services.ClosureEdge, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, q, pgUUID(id))
	if err != nil {
		return nil, wrap(err, "query wiki closure")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (services.ClosureEdge, error) {
		var e services.ClosureEdge
		err := row.Scan(&e.AncestorID, &e.DescendantID, &e.Depth)
		return e, err
	})
	return out, wrap(err, "scan wiki closure")
}

func (r *WikiRepository) ListChildren(ctx context.Context, parentID *uuid.UUID) ([]services.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM wiki_nodes n
WHERE n.parent_id IS NOT DISTINCT FROM $1
  AND n.deleted_at IS NULL
ORDER BY (n.kind = 'FOLDER') DESC, n.sort_order, n.name`, pgNullableUUID(parentID))
	if err != nil {
		return nil, wrap(err, "list wiki children")
	}
	return collectNodes(rows)
}

func (r *WikiRepository) CountLiveChildren(ctx context.Context, id uuid.UUID) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	err = tx.QueryRow(ctx, `
SELECT count(*) FROM wiki_nodes
WHERE parent_id = $1 AND deleted_at IS NULL`, pgUUID(id)).Scan(&n)
	return n, wrap(err, "count wiki children")
}

func (r *WikiRepository) ListSubtree(ctx context.Context, id uuid.UUID) ([]services.RelativeNode, error) {
	return r.relative(ctx, `
SELECT `+nodeColumns+`, c.depth
FROM wiki_node_closure c
JOIN wiki_nodes n ON n.id = c.descendant_id
WHERE c.ancestor_id = $1
  AND n.deleted_at IS NULL
ORDER BY c.depth ASC, n.sort_order, n.name`, id)
}

func (r *WikiRepository) ListAncestorPath(ctx context.Context, id uuid.UUID) ([]services.RelativeNode, error) {
	return r.relative(ctx, `
SELECT `+nodeColumns+`, c.depth
FROM wiki_node_closure c
JOIN wiki_nodes n ON n.id = c.ancestor_id
WHERE c.descendant_id = $1
  AND n.deleted_at IS NULL
ORDER BY c.depth DESC`, id)
}

func (r *WikiRepository) relative(ctx context.Context, q string, id uuid.UUID) ([]services.RelativeNode, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, q, pgUUID(id))
	if err != nil {
		return nil, wrap(err, "query wiki closure path")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (services.RelativeNode, error) {
		var rn services.RelativeNode
		var dist int
		n, err := scanNode(row, &dist)
		rn.Node, rn.Distance = n, dist
		return rn, err
	})
	return out, wrap(err, "scan wiki closure path")
}

func (r *WikiRepository) ListFolders(ctx context.Context) ([]services.Node, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `
SELECT `+nodeColumns+`
FROM wiki_nodes n
WHERE n.kind = 'FOLDER' AND n.deleted_at IS NULL
ORDER BY n.depth, n.name`)
	if err != nil {
		return nil, wrap(err, "list wiki folders")
	}
	return collectNodes(rows)
}

func collectNodes(rows pgx.Rows) ([]services.Node, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (services.Node, error) {
		return scanNode(row)
	})
	return out, wrap(err, "scan wiki nodes")
}

func scanNode(row pgx.Row, extra ...any) (services.Node, error) {
	var (
		n         services.Node
		kind      string
		parentID  pgtype.UUID
		deletedAt pgtype.Timestamptz
	)
	dest := []any{
		&n.ID, &n.Name, &kind, &parentID, &n.Depth, &n.IsPublic,
		&n.Permissions.RankIDs, &n.Permissions.PositionIDs, &n.Permissions.DepartmentIDs,
		&n.Order, &deletedAt, &n.CreatedAt, &n.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return services.Node{}, err
	}
	n.Kind = services.NodeKind(kind)
	if parentID.Valid {
		id := uuid.UUID(parentID.Bytes)
		n.ParentID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		n.DeletedAt = &t
	}
	return n, nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgNullableUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil || *id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func pgUUIDArray(ids []uuid.UUID) pgtype.FlatArray[uuid.UUID] {
	return pgtype.FlatArray[uuid.UUID](ids)
}

// textArray keeps NOT NULL text[] columns from receiving NULL.
func textArray(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// wrap annotates err and passes nil through.
func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}
