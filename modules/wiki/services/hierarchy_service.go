package services

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/pkg/constants"
)

// HierarchyService maintains the wiki tree and its closure table. Every
// mutation validates first and then writes inside a single transaction.
type HierarchyService struct {
	repo HierarchyRepository
	tx   Transactor
	log  *logrus.Entry
	now  func() time.Time
}

func NewHierarchyService(repo HierarchyRepository, tx Transactor, log *logrus.Entry) *HierarchyService {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HierarchyService{
		repo: repo,
		tx:   tx,
		log:  log.WithField("component", "wiki.hierarchy"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *HierarchyService) GetNode(ctx context.Context, id uuid.UUID) (Node, error) {
	n, err := s.repo.GetNode(ctx, id)
	if err != nil {
		return Node{}, mapPgError(err)
	}
	if !n.IsLive() {
		return Node{}, notFound("node")
	}
	return n, nil
}

func (s *HierarchyService) Create(ctx context.Context, in CreateNodeInput) (Node, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := constants.Validate.Struct(in); err != nil {
		return Node{}, newServiceError(http.StatusBadRequest, "WIKI_INVALID_BODY", "invalid node input", err)
	}
	if in.Kind == KindFile && !in.Permissions.IsEmpty() {
		return Node{}, newServiceError(http.StatusBadRequest, "WIKI_FILE_PERMISSIONS", "files cannot carry permission sets", nil)
	}

	n, err := inTx(ctx, s.tx, func(txCtx context.Context) (Node, error) {
		now := s.now()
		node := Node{
			ID:          uuid.New(),
			Name:        in.Name,
			Kind:        in.Kind,
			ParentID:    in.ParentID,
			IsPublic:    in.IsPublic,
			Permissions: normalizePermissions(in.Permissions),
			Order:       in.Order,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		edges := []ClosureEdge{{AncestorID: node.ID, DescendantID: node.ID, Depth: 0}}
		if in.ParentID != nil {
			parent, err := s.liveFolder(txCtx, *in.ParentID)
			if err != nil {
				return Node{}, err
			}
			node.Depth = parent.Depth + 1

			upper, err := s.repo.Ancestors(txCtx, parent.ID)
			if err != nil {
				return Node{}, err
			}
			for _, e := range upper {
				edges = append(edges, ClosureEdge{AncestorID: e.AncestorID, DescendantID: node.ID, Depth: e.Depth + 1})
			}
		}

		if err := s.repo.InsertNode(txCtx, node); err != nil {
			return Node{}, err
		}
		if err := s.repo.InsertClosure(txCtx, edges); err != nil {
			return Node{}, err
		}
		return node, nil
	})
	recordMutation("create", err)
	if err != nil {
		return Node{}, mapPgError(err)
	}
	s.log.WithFields(logrus.Fields{"node_id": n.ID, "kind": n.Kind, "depth": n.Depth}).Debug("wiki node created")
	return n, nil
}

// Children lists live direct children of parentID, or the roots when it is
// nil. Folders sort before files, then by order, then by name.
func (s *HierarchyService) Children(ctx context.Context, parentID *uuid.UUID) ([]Node, error) {
	nodes, err := s.repo.ListChildren(ctx, parentID)
	if err != nil {
		return nil, mapPgError(err)
	}
	SortSiblings(nodes)
	return nodes, nil
}

// Subtree returns id and its live descendants ordered by distance.
func (s *HierarchyService) Subtree(ctx context.Context, id uuid.UUID) ([]RelativeNode, error) {
	nodes, err := s.repo.ListSubtree(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Distance < nodes[j].Distance })
	return nodes, nil
}

// AncestorPath returns the live chain from the root down to id (inclusive).
func (s *HierarchyService) AncestorPath(ctx context.Context, id uuid.UUID) ([]RelativeNode, error) {
	nodes, err := s.repo.ListAncestorPath(ctx, id)
	if err != nil {
		return nil, mapPgError(err)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].Distance > nodes[j].Distance })
	return nodes, nil
}

// Move reparents nodeID under newParentID (nil makes it a root). The
// closure rows linking the subtree to its old ancestors are replaced by
// rows linking it to the new ones and depths are re-derived.
func (s *HierarchyService) Move(ctx context.Context, nodeID uuid.UUID, newParentID *uuid.UUID) (Node, error) {
	moved, err := inTx(ctx, s.tx, func(txCtx context.Context) (Node, error) {
		node, err := s.repo.GetNode(txCtx, nodeID)
		if err != nil {
			return Node{}, err
		}
		if !node.IsLive() {
			return Node{}, notFound("node")
		}

		subtree, err := s.repo.Descendants(txCtx, nodeID)
		if err != nil {
			return Node{}, err
		}
		members := make(map[uuid.UUID]int, len(subtree))
		ids := make([]uuid.UUID, 0, len(subtree)+1)
		for _, e := range subtree {
			members[e.DescendantID] = e.Depth
			ids = append(ids, e.DescendantID)
		}

		if newParentID != nil {
			if _, inside := members[*newParentID]; inside || *newParentID == nodeID {
				return Node{}, newServiceError(http.StatusUnprocessableEntity, "WIKI_CYCLE", "cannot move a node under itself or its descendants", ErrCycle)
			}
			ids = append(ids, *newParentID)
		}
		if err := s.repo.LockNodes(txCtx, ids); err != nil {
			return Node{}, err
		}
		if sameParent(node.ParentID, newParentID) {
			return node, nil
		}

		newDepth := 0
		var upper []ClosureEdge
		if newParentID != nil {
			parent, err := s.liveFolder(txCtx, *newParentID)
			if err != nil {
				return Node{}, err
			}
			newDepth = parent.Depth + 1
			if upper, err = s.repo.Ancestors(txCtx, parent.ID); err != nil {
				return Node{}, err
			}
		}

		oldUpper, err := s.repo.Ancestors(txCtx, nodeID)
		if err != nil {
			return Node{}, err
		}
		detach := make([]uuid.UUID, 0, len(oldUpper))
		for _, e := range oldUpper {
			if e.Depth > 0 {
				detach = append(detach, e.AncestorID)
			}
		}
		memberIDs := make([]uuid.UUID, 0, len(members))
		for id := range members {
			memberIDs = append(memberIDs, id)
		}
		if len(detach) > 0 {
			if err := s.repo.DeleteClosure(txCtx, detach, memberIDs); err != nil {
				return Node{}, err
			}
		}

		attach := make([]ClosureEdge, 0, len(upper)*len(members))
		for _, a := range upper {
			for _, d := range subtree {
				attach = append(attach, ClosureEdge{
					AncestorID:   a.AncestorID,
					DescendantID: d.DescendantID,
					Depth:        a.Depth + d.Depth + 1,
				})
			}
		}
		if len(attach) > 0 {
			if err := s.repo.InsertClosure(txCtx, attach); err != nil {
				return Node{}, err
			}
		}

		depths := make(map[uuid.UUID]int, len(members))
		for id, rel := range members {
			depths[id] = newDepth + rel
		}
		if err := s.repo.UpdateDepths(txCtx, depths); err != nil {
			return Node{}, err
		}

		node.ParentID = newParentID
		node.Depth = newDepth
		node.UpdatedAt = s.now()
		if err := s.repo.UpdateNode(txCtx, node); err != nil {
			return Node{}, err
		}
		wikiMoveSubtreeSize.Observe(float64(len(members)))
		return node, nil
	})
	recordMutation("move", err)
	if err != nil {
		return Node{}, mapPgError(err)
	}
	s.log.WithFields(logrus.Fields{"node_id": nodeID, "parent_id": newParentID}).Info("wiki node moved")
	return moved, nil
}

// SoftDelete marks nodeID and every live descendant deleted. Closure rows
// stay; reads filter on deleted_at.
func (s *HierarchyService) SoftDelete(ctx context.Context, nodeID uuid.UUID) error {
	_, err := inTx(ctx, s.tx, func(txCtx context.Context) (struct{}, error) {
		return struct{}{}, s.softDelete(txCtx, nodeID)
	})
	recordMutation("soft_delete", err)
	return mapPgError(err)
}

// DeleteFolderOnly soft-deletes an empty folder.
func (s *HierarchyService) DeleteFolderOnly(ctx context.Context, nodeID uuid.UUID) error {
	_, err := inTx(ctx, s.tx, func(txCtx context.Context) (struct{}, error) {
		node, err := s.repo.GetNode(txCtx, nodeID)
		if err != nil {
			return struct{}{}, err
		}
		if !node.IsLive() {
			return struct{}{}, notFound("node")
		}
		if !node.IsFolder() {
			return struct{}{}, newServiceError(http.StatusUnprocessableEntity, "WIKI_NOT_A_FOLDER", "node is not a folder", nil)
		}
		if err := s.repo.LockNodes(txCtx, []uuid.UUID{nodeID}); err != nil {
			return struct{}{}, err
		}
		n, err := s.repo.CountLiveChildren(txCtx, nodeID)
		if err != nil {
			return struct{}{}, err
		}
		if n > 0 {
			return struct{}{}, newServiceError(http.StatusConflict, "WIKI_NOT_EMPTY", "folder has children", ErrNotEmpty)
		}
		return struct{}{}, s.softDelete(txCtx, nodeID)
	})
	recordMutation("delete_folder", err)
	return mapPgError(err)
}

func (s *HierarchyService) softDelete(ctx context.Context, nodeID uuid.UUID) error {
	node, err := s.repo.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if !node.IsLive() {
		return notFound("node")
	}
	live, err := s.repo.ListSubtree(ctx, nodeID)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(live))
	for _, n := range live {
		ids = append(ids, n.ID)
	}
	if err := s.repo.LockNodes(ctx, ids); err != nil {
		return err
	}
	if err := s.repo.MarkDeleted(ctx, ids, s.now()); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"node_id": nodeID, "count": len(ids)}).Info("wiki subtree soft-deleted")
	return nil
}

// UpdateAccess changes a node's visibility and, for folders, its permission sets.
func (s *HierarchyService) UpdateAccess(ctx context.Context, nodeID uuid.UUID, in UpdateAccessInput) (Node, error) {
	n, err := inTx(ctx, s.tx, func(txCtx context.Context) (Node, error) {
		if err := s.repo.LockNodes(txCtx, []uuid.UUID{nodeID}); err != nil {
			return Node{}, err
		}
		node, err := s.repo.GetNode(txCtx, nodeID)
		if err != nil {
			return Node{}, err
		}
		if !node.IsLive() {
			return Node{}, notFound("node")
		}
		if in.Permissions != nil {
			if !node.IsFolder() && !in.Permissions.IsEmpty() {
				return Node{}, newServiceError(http.StatusBadRequest, "WIKI_FILE_PERMISSIONS", "files cannot carry permission sets", nil)
			}
			node.Permissions = normalizePermissions(*in.Permissions)
		}
		if in.IsPublic != nil {
			node.IsPublic = *in.IsPublic
		}
		node.UpdatedAt = s.now()
		if err := s.repo.UpdateNode(txCtx, node); err != nil {
			return Node{}, err
		}
		return node, nil
	})
	recordMutation("update_access", err)
	if err != nil {
		return Node{}, mapPgError(err)
	}
	return n, nil
}

// ListFolders returns every live folder.
func (s *HierarchyService) ListFolders(ctx context.Context) ([]Node, error) {
	nodes, err := s.repo.ListFolders(ctx)
	if err != nil {
		return nil, mapPgError(err)
	}
	return nodes, nil
}

func (s *HierarchyService) liveFolder(ctx context.Context, id uuid.UUID) (Node, error) {
	n, err := s.repo.GetNode(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
			return Node{}, newServiceError(http.StatusUnprocessableEntity, "WIKI_PARENT_NOT_FOUND", "parent not found", ErrInvalidParent)
		}
		return Node{}, err
	}
	if !n.IsLive() || !n.IsFolder() {
		return Node{}, newServiceError(http.StatusUnprocessableEntity, "WIKI_INVALID_PARENT", "parent must be a live folder", ErrInvalidParent)
	}
	return n, nil
}

// SortSiblings orders folders first, then by Order, then by name.
func SortSiblings(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Name < b.Name
	})
}

func normalizePermissions(p Permissions) Permissions {
	return Permissions{
		RankIDs:       permref.NormalizeIDs(p.RankIDs),
		PositionIDs:   permref.NormalizeIDs(p.PositionIDs),
		DepartmentIDs: permref.NormalizeIDs(p.DepartmentIDs),
	}
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
