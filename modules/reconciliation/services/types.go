package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

// DepartmentStatus is what the identity directory knows about one id.
type DepartmentStatus struct {
	IsActive bool
	Name     string
}

// Directory is the per-run snapshot of the identity directory. A missing
// key means the directory does not know the id.
type Directory map[string]DepartmentStatus

// IdentityResolver looks up department ids in the external directory.
type IdentityResolver interface {
	ResolveDepartments(ctx context.Context, ids []string) (Directory, error)
}

type Action string

const (
	ActionDetected Action = "DETECTED"
	ActionResolved Action = "RESOLVED"
)

type InvalidDepartment struct {
	ID   string  `json:"id"`
	Name *string `json:"name"`
}

// Snapshot records the entity's permission sets at detection time together
// with the valid/invalid split of its department ids.
type Snapshot struct {
	RankIDs              []string `json:"rankIds"`
	PositionIDs          []string `json:"positionIds"`
	DepartmentIDs        []string `json:"departmentIds"`
	ValidDepartmentIDs   []string `json:"validDepartmentIds"`
	InvalidDepartmentIDs []string `json:"invalidDepartmentIds"`
}

type LogEntry struct {
	ID                 uuid.UUID
	EntityID           uuid.UUID
	EntityKind         permref.EntityKind
	EntityName         string
	InvalidDepartments []InvalidDepartment
	Snapshot           Snapshot
	Action             Action
	Note               string
	Patch              json.RawMessage
	DetectedAt         time.Time
	ResolvedAt         *time.Time
	ResolvedBy         *uuid.UUID
}

func (e LogEntry) IsOpen() bool {
	return e.Action == ActionDetected
}

// InvalidIDs returns the ids recorded as invalid on the entry.
func (e LogEntry) InvalidIDs() []string {
	ids := make([]string, len(e.InvalidDepartments))
	for i, d := range e.InvalidDepartments {
		ids[i] = d.ID
	}
	return ids
}

// Resolution closes an open entry. A nil By means the system closed it.
type Resolution struct {
	By    *uuid.UUID
	Note  string
	At    time.Time
	Patch json.RawMessage
}

type LogRepository interface {
	Get(ctx context.Context, id uuid.UUID) (LogEntry, error)
	ListOpen(ctx context.Context, kind permref.EntityKind) ([]LogEntry, error)
	// FindOpen returns nil when the entity has no open entry.
	FindOpen(ctx context.Context, kind permref.EntityKind, entityID uuid.UUID) (*LogEntry, error)
	// InsertDetected returns ErrOpenEntryExists when an open entry is
	// already recorded for the entity.
	InsertDetected(ctx context.Context, entry LogEntry) error
	InsertResolved(ctx context.Context, entry LogEntry) error
	// MarkResolved returns ErrEntryNotFound unless id is an open entry.
	MarkResolved(ctx context.Context, id uuid.UUID, res Resolution) error
	ListByEntity(ctx context.Context, kind permref.EntityKind, entityID uuid.UUID) ([]LogEntry, error)
	ListRecent(ctx context.Context, kind permref.EntityKind, limit int) ([]LogEntry, error)
}

// DriftNotice is sent to administrators when drift is recorded.
type DriftNotice struct {
	EntryID            uuid.UUID           `json:"entryId"`
	Kind               permref.EntityKind  `json:"kind"`
	EntityID           uuid.UUID           `json:"entityId"`
	EntityName         string              `json:"entityName"`
	InvalidDepartments []InvalidDepartment `json:"invalidDepartments"`
	DetectedAt         time.Time           `json:"detectedAt"`
}

// Notifier delivers drift notices. Failures of a plain notifier are logged by
// the caller and never affect the run.
type Notifier interface {
	NotifyAdmin(ctx context.Context, notice DriftNotice) error
}

// TransactionalNotifier writes notices through the transaction in ctx. The
// scheduler records the DETECTED entry and the notice in one transaction for
// it, and a failed notice rolls the entry back.
type TransactionalNotifier interface {
	Notifier
	Transactional() bool
}

// Release gives up a lock obtained from a RunLocker.
type Release func(ctx context.Context) error

// RunLocker keeps runs of the same kind from overlapping. ok is false when
// someone else holds name.
type RunLocker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release Release, ok bool, err error)
}

// Transactor runs fn inside a single database transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
