package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

// PermissionSource exposes wiki folders to the reconciliation job.
type PermissionSource struct {
	svc *HierarchyService
}

var _ permref.Source = (*PermissionSource)(nil)

func NewPermissionSource(svc *HierarchyService) *PermissionSource {
	return &PermissionSource{svc: svc}
}

func (s *PermissionSource) Kind() permref.EntityKind {
	return permref.KindWikiFolder
}

func (s *PermissionSource) ListAll(ctx context.Context) ([]permref.Reference, error) {
	folders, err := s.svc.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]permref.Reference, 0, len(folders))
	for _, f := range folders {
		out = append(out, toReference(f))
	}
	return out, nil
}

// Get returns the folder with id. Files never carry permission sets, so
// they are reported as not found.
func (s *PermissionSource) Get(ctx context.Context, id uuid.UUID) (permref.Reference, error) {
	n, err := s.folder(ctx, id)
	if err != nil {
		return permref.Reference{}, err
	}
	return toReference(n), nil
}

func (s *PermissionSource) ApplyPermissionUpdate(ctx context.Context, id uuid.UUID, sets permref.Sets) error {
	if _, err := s.folder(ctx, id); err != nil {
		return err
	}
	perms := Permissions{
		RankIDs:       sets.RankIDs,
		PositionIDs:   sets.PositionIDs,
		DepartmentIDs: sets.DepartmentIDs,
	}
	_, err := s.svc.UpdateAccess(ctx, id, UpdateAccessInput{Permissions: &perms})
	return err
}

func (s *PermissionSource) folder(ctx context.Context, id uuid.UUID) (Node, error) {
	n, err := s.svc.GetNode(ctx, id)
	if err != nil {
		return Node{}, err
	}
	if !n.IsFolder() {
		return Node{}, notFound("folder")
	}
	return n, nil
}

func toReference(n Node) permref.Reference {
	return permref.Reference{
		EntityID: n.ID,
		Kind:     permref.KindWikiFolder,
		Name:     n.Name,
		Permissions: permref.Sets{
			DepartmentIDs: n.Permissions.DepartmentIDs,
			RankIDs:       n.Permissions.RankIDs,
			PositionIDs:   n.Permissions.PositionIDs,
		},
	}
}
