package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wI2L/jsondiff"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/pkg/authz"
)

// Authorizer is satisfied by *authz.Service.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) error
}

var (
	objectPermissions = authz.ObjectName("reconciliation", "permissions")
	objectLog         = authz.ObjectName("reconciliation", "log")
)

// AdminService is the administrative surface over drift entries.
type AdminService struct {
	sources map[permref.EntityKind]permref.Source
	logs    LogRepository
	tx      Transactor
	authz   Authorizer
	log     *logrus.Entry
	now     func() time.Time
}

func NewAdminService(logs LogRepository, tx Transactor, az Authorizer, log *logrus.Entry, sources ...permref.Source) *AdminService {
	m := make(map[permref.EntityKind]permref.Source, len(sources))
	for _, src := range sources {
		m[src.Kind()] = src
	}
	return &AdminService{
		sources: m,
		logs:    logs,
		tx:      tx,
		authz:   az,
		log:     log.WithField("component", "reconciliation-admin"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ReplaceDepartment swaps oldID for newID in every permission set of the
// entity and records the change as RESOLVED, closing the open entry if
// there is one.
func (s *AdminService) ReplaceDepartment(ctx context.Context, initiator uuid.UUID, kind permref.EntityKind, entityID uuid.UUID, oldID, newID string) (LogEntry, error) {
	oldID, newID = strings.TrimSpace(oldID), strings.TrimSpace(newID)
	if oldID == "" || newID == "" || oldID == newID {
		return LogEntry{}, newServiceError(http.StatusBadRequest, "RECONCILIATION_INVALID_REPLACEMENT",
			"old and new department ids must be set and differ", nil)
	}
	if err := s.authorize(ctx, initiator, objectPermissions, "replace"); err != nil {
		return LogEntry{}, err
	}
	src, ok := s.sources[kind]
	if !ok {
		return LogEntry{}, unknownKind(kind)
	}

	var result LogEntry
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		ref, err := src.Get(ctx, entityID)
		if err != nil {
			return err
		}
		next, changed := ref.Permissions.Normalize().ReplaceID(oldID, newID)
		if !changed {
			return newServiceError(http.StatusUnprocessableEntity, "RECONCILIATION_NOT_REFERENCED",
				fmt.Sprintf("department %s is not referenced", oldID), ErrNotReferenced)
		}
		if err := src.ApplyPermissionUpdate(ctx, entityID, next); err != nil {
			return err
		}
		patch, err := diffSets(ref.Permissions.Normalize(), next)
		if err != nil {
			return err
		}

		now := s.now()
		note := fmt.Sprintf("department %s replaced with %s", oldID, newID)
		res := Resolution{By: &initiator, Note: note, At: now, Patch: patch}

		open, err := s.logs.FindOpen(ctx, kind, entityID)
		if err != nil {
			return err
		}
		if open != nil {
			if err := s.logs.MarkResolved(ctx, open.ID, res); err != nil {
				return err
			}
			result = *open
			result.Action, result.Note, result.Patch = ActionResolved, note, patch
			result.ResolvedAt, result.ResolvedBy = &now, &initiator
			return nil
		}
		result = LogEntry{
			ID:                 uuid.New(),
			EntityID:           entityID,
			EntityKind:         kind,
			EntityName:         ref.Name,
			InvalidDepartments: []InvalidDepartment{},
			Snapshot:           buildSnapshot(next, next.DepartmentIDs, []string{}),
			Action:             ActionResolved,
			Note:               note,
			Patch:              patch,
			DetectedAt:         now,
			ResolvedAt:         &now,
			ResolvedBy:         &initiator,
		}
		return s.logs.InsertResolved(ctx, result)
	})
	if err != nil {
		return LogEntry{}, err
	}
	s.log.WithFields(logrus.Fields{
		"initiator": initiator,
		"kind":      kind,
		"entity_id": entityID,
		"old_id":    oldID,
		"new_id":    newID,
	}).Info("department reference replaced")
	return result, nil
}

// Resolve closes an open entry without touching permissions.
func (s *AdminService) Resolve(ctx context.Context, initiator, entryID uuid.UUID, note string) error {
	if err := s.authorize(ctx, initiator, objectLog, "resolve"); err != nil {
		return err
	}
	entry, err := s.logs.Get(ctx, entryID)
	if err != nil {
		return s.mapEntryError(err)
	}
	if !entry.IsOpen() {
		return newServiceError(http.StatusConflict, "RECONCILIATION_ENTRY_CLOSED", "entry already resolved", ErrEntryClosed)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = "resolved manually"
	}
	if err := s.logs.MarkResolved(ctx, entryID, Resolution{By: &initiator, Note: note, At: s.now()}); err != nil {
		return s.mapEntryError(err)
	}
	s.log.WithFields(logrus.Fields{"initiator": initiator, "entry_id": entryID}).Info("drift entry resolved manually")
	return nil
}

// History lists the entries recorded for one entity, newest first.
func (s *AdminService) History(ctx context.Context, initiator uuid.UUID, kind permref.EntityKind, entityID uuid.UUID) ([]LogEntry, error) {
	if err := s.authorize(ctx, initiator, objectLog, "read"); err != nil {
		return nil, err
	}
	return s.logs.ListByEntity(ctx, kind, entityID)
}

func (s *AdminService) authorize(ctx context.Context, initiator uuid.UUID, object, action string) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.Authorize(ctx, authz.NewRequest(authz.SubjectForUser(initiator), object, action))
}

func (s *AdminService) mapEntryError(err error) error {
	if errors.Is(err, ErrEntryNotFound) {
		return newServiceError(http.StatusNotFound, "RECONCILIATION_ENTRY_NOT_FOUND", "entry not found", ErrEntryNotFound)
	}
	return err
}

func diffSets(before, after permref.Sets) (json.RawMessage, error) {
	b, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	a, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	patch, err := jsondiff.CompareJSON(b, a)
	if err != nil {
		return nil, fmt.Errorf("diff permission sets: %w", err)
	}
	return json.Marshal(patch)
}
