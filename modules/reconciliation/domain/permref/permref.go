// Package permref models content records that grant access by referencing
// organizational entities (departments, ranks, positions) held in an
// external identity directory.
package permref

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type EntityKind string

const (
	KindWikiFolder   EntityKind = "WIKI_FOLDER"
	KindAnnouncement EntityKind = "ANNOUNCEMENT"
)

func (k EntityKind) String() string { return string(k) }

// Sets are the external identifiers an entity grants access to.
type Sets struct {
	DepartmentIDs []string `json:"departmentIds"`
	RankIDs       []string `json:"rankIds"`
	PositionIDs   []string `json:"positionIds"`
}

// Reference is a read-only projection of a permission-bearing entity.
type Reference struct {
	EntityID    uuid.UUID
	Kind        EntityKind
	Name        string
	Permissions Sets
}

// Source is implemented once per content kind.
type Source interface {
	Kind() EntityKind
	// ListAll returns every non-deleted entity of the kind.
	ListAll(ctx context.Context) ([]Reference, error)
	Get(ctx context.Context, id uuid.UUID) (Reference, error)
	ApplyPermissionUpdate(ctx context.Context, id uuid.UUID, sets Sets) error
}

// ReferencedDepartmentIDs returns the sorted union of department ids across refs.
func ReferencedDepartmentIDs(refs []Reference) []string {
	seen := make(map[string]struct{})
	for _, ref := range refs {
		for _, id := range NormalizeIDs(ref.Permissions.DepartmentIDs) {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReplaceID swaps oldID for newID in every set and drops duplicates. It
// reports whether anything changed.
func (s Sets) ReplaceID(oldID, newID string) (Sets, bool) {
	changed := false
	replace := func(ids []string) []string {
		out := make([]string, 0, len(ids))
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id == oldID {
				id = newID
				changed = true
			}
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
		return out
	}
	next := Sets{
		DepartmentIDs: replace(s.DepartmentIDs),
		RankIDs:       replace(s.RankIDs),
		PositionIDs:   replace(s.PositionIDs),
	}
	return next, changed
}

// Normalize applies NormalizeIDs to every set. Nil sets become empty so
// JSON output is stable.
func (s Sets) Normalize() Sets {
	return Sets{
		DepartmentIDs: NormalizeIDs(s.DepartmentIDs),
		RankIDs:       NormalizeIDs(s.RankIDs),
		PositionIDs:   NormalizeIDs(s.PositionIDs),
	}
}

// NormalizeIDs trims ids and drops empty and duplicate ones, preserving order.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
