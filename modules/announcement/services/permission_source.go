package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

// PermissionSource exposes announcements to the reconciliation job.
type PermissionSource struct {
	svc *AnnouncementService
}

var _ permref.Source = (*PermissionSource)(nil)

func NewPermissionSource(svc *AnnouncementService) *PermissionSource {
	return &PermissionSource{svc: svc}
}

func (s *PermissionSource) Kind() permref.EntityKind {
	return permref.KindAnnouncement
}

func (s *PermissionSource) ListAll(ctx context.Context) ([]permref.Reference, error) {
	items, err := s.svc.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]permref.Reference, len(items))
	for i, a := range items {
		refs[i] = toReference(a)
	}
	return refs, nil
}

func (s *PermissionSource) Get(ctx context.Context, id uuid.UUID) (permref.Reference, error) {
	a, err := s.svc.Get(ctx, id)
	if err != nil {
		return permref.Reference{}, err
	}
	return toReference(a), nil
}

func (s *PermissionSource) ApplyPermissionUpdate(ctx context.Context, id uuid.UUID, sets permref.Sets) error {
	return s.svc.UpdatePermissions(ctx, id, sets)
}

func toReference(a Announcement) permref.Reference {
	return permref.Reference{
		EntityID:    a.ID,
		Kind:        permref.KindAnnouncement,
		Name:        a.Title,
		Permissions: a.Permissions,
	}
}
