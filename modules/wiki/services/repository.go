package services

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// HierarchyRepository is the storage contract for nodes and their closure.
// Raw closure reads include rows of soft-deleted nodes; List* methods return
// live nodes only.
type HierarchyRepository interface {
	GetNode(ctx context.Context, id uuid.UUID) (Node, error)
	// LockNodes takes row locks on ids in a stable order.
	LockNodes(ctx context.Context, ids []uuid.UUID) error
	InsertNode(ctx context.Context, n Node) error
	UpdateNode(ctx context.Context, n Node) error
	UpdateDepths(ctx context.Context, depths map[uuid.UUID]int) error
	MarkDeleted(ctx context.Context, ids []uuid.UUID, at time.Time) error

	InsertClosure(ctx context.Context, edges []ClosureEdge) error
	// DeleteClosure removes every edge whose ancestor is in ancestors and
	// whose descendant is in descendants.
	DeleteClosure(ctx context.Context, ancestors, descendants []uuid.UUID) error
	Ancestors(ctx context.Context, id uuid.UUID) ([]ClosureEdge, error)
	Descendants(ctx context.Context, id uuid.UUID) ([]ClosureEdge, error)

	ListChildren(ctx context.Context, parentID *uuid.UUID) ([]Node, error)
	CountLiveChildren(ctx context.Context, id uuid.UUID) (int, error)
	ListSubtree(ctx context.Context, id uuid.UUID) ([]RelativeNode, error)
	ListAncestorPath(ctx context.Context, id uuid.UUID) ([]RelativeNode, error)
	ListFolders(ctx context.Context) ([]Node, error)
}

// Transactor runs fn in one database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

func inTx[T any](ctx context.Context, tr Transactor, fn func(txCtx context.Context) (T, error)) (T, error) {
	var out T
	err := tr.InTx(ctx, func(txCtx context.Context) error {
		v, err := fn(txCtx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
