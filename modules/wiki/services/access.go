package services

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/iota-uz/corpcms/modules/wiki")

// AccessEvaluator decides read access by walking a node's ancestor folders.
// It holds no mutable state and is safe for concurrent use.
type AccessEvaluator struct {
	repo HierarchyRepository
}

func NewAccessEvaluator(repo HierarchyRepository) *AccessEvaluator {
	return &AccessEvaluator{repo: repo}
}

// CanAccess reports whether who may read nodeID. A private file is denied
// outright. Otherwise every folder from the root down to the node (the node
// itself included when it is a folder) must be public or grant access by
// rank, position or department; the first folder that does neither denies.
func (e *AccessEvaluator) CanAccess(ctx context.Context, nodeID uuid.UUID, who Requester) (bool, error) {
	ctx, span := tracer.Start(ctx, "wiki.CanAccess")
	defer span.End()
	span.SetAttributes(attribute.String("wiki.node_id", nodeID.String()))

	node, err := e.repo.GetNode(ctx, nodeID)
	if err != nil {
		return false, mapPgError(err)
	}
	if !node.IsLive() {
		return false, notFound("node")
	}
	if !node.IsFolder() && !node.IsPublic {
		recordAccessDecision(false, "private_file")
		span.SetAttributes(attribute.Bool("wiki.allowed", false))
		return false, nil
	}

	path, err := e.repo.ListAncestorPath(ctx, nodeID)
	if err != nil {
		return false, mapPgError(err)
	}
	slices.SortStableFunc(path, func(a, b RelativeNode) int { return b.Distance - a.Distance })

	allowed, reason := Evaluate(path, who)
	recordAccessDecision(allowed, reason)
	span.SetAttributes(attribute.Bool("wiki.allowed", allowed))
	return allowed, nil
}

// Evaluate applies the cascade to a root-first path. It returns the
// decision and a short reason label.
func Evaluate(path []RelativeNode, who Requester) (bool, string) {
	for _, n := range path {
		if !n.IsFolder() || n.IsPublic {
			continue
		}
		if !grants(n.Permissions, who) {
			return false, "restricted_folder"
		}
	}
	return true, "cascade"
}

func grants(p Permissions, who Requester) bool {
	return matches(p.RankIDs, who.RankID) ||
		matches(p.PositionIDs, who.PositionID) ||
		matches(p.DepartmentIDs, who.DepartmentID)
}

func matches(set []string, id string) bool {
	return id != "" && slices.Contains(set, id)
}
