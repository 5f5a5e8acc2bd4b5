package services

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/corpcms/pkg/logging"
)

type edgeKey struct{ a, d uuid.UUID }

// memRepo is an in-memory HierarchyRepository. It doubles as Transactor
// and restores its state when the transaction function fails.
type memRepo struct {
	nodes   map[uuid.UUID]Node
	closure map[edgeKey]int
	locked  []uuid.UUID
	failOn  string
}

func newMemRepo() *memRepo {
	return &memRepo{nodes: map[uuid.UUID]Node{}, closure: map[edgeKey]int{}}
}

var errInjected = errors.New("injected failure")

func (r *memRepo) fail(op string) error {
	if r.failOn == op {
		return errInjected
	}
	return nil
}

func (r *memRepo) InTx(ctx context.Context, fn func(context.Context) error) error {
	nodes := make(map[uuid.UUID]Node, len(r.nodes))
	for k, v := range r.nodes {
		nodes[k] = v
	}
	closure := make(map[edgeKey]int, len(r.closure))
	for k, v := range r.closure {
		closure[k] = v
	}
	if err := fn(ctx); err != nil {
		r.nodes, r.closure = nodes, closure
		return err
	}
	return nil
}

func (r *memRepo) GetNode(_ context.Context, id uuid.UUID) (Node, error) {
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return n, nil
}

func (r *memRepo) LockNodes(_ context.Context, ids []uuid.UUID) error {
	r.locked = append(r.locked, ids...)
	return r.fail("LockNodes")
}

func (r *memRepo) InsertNode(_ context.Context, n Node) error {
	if err := r.fail("InsertNode"); err != nil {
		return err
	}
	r.nodes[n.ID] = n
	return nil
}

func (r *memRepo) UpdateNode(_ context.Context, n Node) error {
	if err := r.fail("UpdateNode"); err != nil {
		return err
	}
	if _, ok := r.nodes[n.ID]; !ok {
		return ErrNotFound
	}
	r.nodes[n.ID] = n
	return nil
}

func (r *memRepo) UpdateDepths(_ context.Context, depths map[uuid.UUID]int) error {
	for id, d := range depths {
		n := r.nodes[id]
		n.Depth = d
		r.nodes[id] = n
	}
	return r.fail("UpdateDepths")
}

func (r *memRepo) MarkDeleted(_ context.Context, ids []uuid.UUID, at time.Time) error {
	for _, id := range ids {
		n := r.nodes[id]
		if n.DeletedAt == nil {
			ts := at
			n.DeletedAt = &ts
			r.nodes[id] = n
		}
	}
	return nil
}

func (r *memRepo) InsertClosure(_ context.Context, edges []ClosureEdge) error {
	for _, e := range edges {
		r.closure[edgeKey{e.AncestorID, e.DescendantID}] = e.Depth
	}
	return r.fail("InsertClosure")
}

func (r *memRepo) DeleteClosure(_ context.Context, ancestors, descendants []uuid.UUID) error {
	for _, a := range ancestors {
		for _, d := range descendants {
			delete(r.closure, edgeKey{a, d})
		}
	}
	return r.fail("DeleteClosure")
}

func (r *memRepo) Ancestors(_ context.Context, id uuid.UUID) ([]ClosureEdge, error) {
	var out []ClosureEdge
	for k, d := range r.closure {
		if k.d == id {
			out = append(out, ClosureEdge{AncestorID: k.a, DescendantID: k.d, Depth: d})
		}
	}
	return out, nil
}

func (r *memRepo) Descendants(_ context.Context, id uuid.UUID) ([]ClosureEdge, error) {
	var out []ClosureEdge
	for k, d := range r.closure {
		if k.a == id {
			out = append(out, ClosureEdge{AncestorID: k.a, DescendantID: k.d, Depth: d})
		}
	}
	return out, nil
}

func (r *memRepo) ListChildren(_ context.Context, parentID *uuid.UUID) ([]Node, error) {
	var out []Node
	for _, n := range r.nodes {
		if n.IsLive() && sameParent(n.ParentID, parentID) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memRepo) CountLiveChildren(ctx context.Context, id uuid.UUID) (int, error) {
	children, _ := r.ListChildren(ctx, &id)
	return len(children), nil
}

func (r *memRepo) ListSubtree(_ context.Context, id uuid.UUID) ([]RelativeNode, error) {
	var out []RelativeNode
	for k, d := range r.closure {
		if n := r.nodes[k.d]; k.a == id && n.IsLive() {
			out = append(out, RelativeNode{Node: n, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

func (r *memRepo) ListAncestorPath(_ context.Context, id uuid.UUID) ([]RelativeNode, error) {
	var out []RelativeNode
	for k, d := range r.closure {
		if n := r.nodes[k.a]; k.d == id && n.IsLive() {
			out = append(out, RelativeNode{Node: n, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance > out[j].Distance })
	return out, nil
}

func (r *memRepo) ListFolders(context.Context) ([]Node, error) {
	var out []Node
	for _, n := range r.nodes {
		if n.IsLive() && n.IsFolder() {
			out = append(out, n)
		}
	}
	return out, nil
}

// requireClosureConsistent checks the stored closure equals the transitive
// closure of the parent pointers and that cached depths match.
func requireClosureConsistent(t *testing.T, r *memRepo) {
	t.Helper()
	want := map[edgeKey]int{}
	for id, n := range r.nodes {
		want[edgeKey{id, id}] = 0
		dist := 1
		for p := n.ParentID; p != nil; p = r.nodes[*p].ParentID {
			want[edgeKey{*p, id}] = dist
			dist++
		}
		require.Equal(t, dist-1, n.Depth, "cached depth of %s", n.Name)
	}
	require.Equal(t, want, r.closure)
}

func newTestService(t *testing.T) (*HierarchyService, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	svc := NewHierarchyService(repo, repo, logging.Nop())
	return svc, repo
}

func mustCreate(t *testing.T, svc *HierarchyService, name string, kind NodeKind, parent *Node, opts ...func(*CreateNodeInput)) Node {
	t.Helper()
	in := CreateNodeInput{Name: name, Kind: kind, IsPublic: true}
	if parent != nil {
		id := parent.ID
		in.ParentID = &id
	}
	for _, o := range opts {
		o(&in)
	}
	n, err := svc.Create(context.Background(), in)
	require.NoError(t, err)
	return n
}

func restricted(p Permissions) func(*CreateNodeInput) {
	return func(in *CreateNodeInput) {
		in.IsPublic = false
		in.Permissions = p
	}
}

func private(in *CreateNodeInput) { in.IsPublic = false }

func withOrder(o int) func(*CreateNodeInput) {
	return func(in *CreateNodeInput) { in.Order = o }
}

func names(nodes []Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}

func relNames(nodes []RelativeNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name
	}
	return out
}
