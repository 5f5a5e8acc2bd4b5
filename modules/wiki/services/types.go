package services

import (
	"time"

	"github.com/google/uuid"
)

type NodeKind string

const (
	KindFolder NodeKind = "FOLDER"
	KindFile   NodeKind = "FILE"
)

// Permissions list the external ids granted access to a restricted folder.
// Always empty on files.
type Permissions struct {
	RankIDs       []string `json:"rank_ids"`
	PositionIDs   []string `json:"position_ids"`
	DepartmentIDs []string `json:"department_ids"`
}

func (p Permissions) IsEmpty() bool {
	return len(p.RankIDs) == 0 && len(p.PositionIDs) == 0 && len(p.DepartmentIDs) == 0
}

type Node struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Kind        NodeKind    `json:"kind"`
	ParentID    *uuid.UUID  `json:"parent_id"`
	Depth       int         `json:"depth"`
	IsPublic    bool        `json:"is_public"`
	Permissions Permissions `json:"permissions"`
	Order       int         `json:"order"`
	DeletedAt   *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (n Node) IsFolder() bool { return n.Kind == KindFolder }
func (n Node) IsLive() bool   { return n.DeletedAt == nil }

// ClosureEdge is one row of the transitive closure of the parent relation.
type ClosureEdge struct {
	AncestorID   uuid.UUID
	DescendantID uuid.UUID
	Depth        int
}

// RelativeNode is a node together with its closure distance from the node
// a query was anchored on.
type RelativeNode struct {
	Node
	Distance int `json:"distance"`
}

// Requester carries the organizational attributes access is decided on.
// Empty values never match.
type Requester struct {
	DepartmentID string
	RankID       string
	PositionID   string
}

type CreateNodeInput struct {
	Name        string     `validate:"required,max=255"`
	Kind        NodeKind   `validate:"required,oneof=FOLDER FILE"`
	ParentID    *uuid.UUID `validate:"-"`
	IsPublic    bool
	Permissions Permissions
	Order       int `validate:"gte=0"`
}

// UpdateAccessInput changes visibility and/or permission sets. A nil
// field is left unchanged.
type UpdateAccessInput struct {
	IsPublic    *bool
	Permissions *Permissions
}
