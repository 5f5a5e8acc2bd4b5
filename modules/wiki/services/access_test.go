package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCanAccess_Cascade(t *testing.T) {
	svc, repo := newTestService(t)
	eval := NewAccessEvaluator(repo)
	ctx := context.Background()

	hr := mustCreate(t, svc, "hr", KindFolder, nil, restricted(Permissions{DepartmentIDs: []string{"dep-hr"}}))
	payroll := mustCreate(t, svc, "payroll", KindFolder, &hr, restricted(Permissions{RankIDs: []string{"rank-lead"}}))
	handbook := mustCreate(t, svc, "handbook.md", KindFile, &hr)
	salaries := mustCreate(t, svc, "salaries.md", KindFile, &payroll)
	draft := mustCreate(t, svc, "draft.md", KindFile, &hr, private)
	open := mustCreate(t, svc, "open", KindFolder, nil)
	notice := mustCreate(t, svc, "notice.md", KindFile, &open)

	hrStaff := Requester{DepartmentID: "dep-hr", RankID: "rank-staff"}
	hrLead := Requester{DepartmentID: "dep-hr", RankID: "rank-lead"}
	outsideLead := Requester{DepartmentID: "dep-sales", RankID: "rank-lead"}

	cases := []struct {
		name string
		node uuid.UUID
		who  Requester
		want bool
	}{
		{"public path", notice.ID, Requester{}, true},
		{"department grant", handbook.ID, hrStaff, true},
		{"outsider denied at root", handbook.ID, outsideLead, false},
		{"inner restriction applies", salaries.ID, hrStaff, false},
		{"both levels satisfied", salaries.ID, hrLead, true},
		{"outer deny wins over inner grant", salaries.ID, outsideLead, false},
		{"private file denied to everyone", draft.ID, hrLead, false},
		{"folder's own restriction applies", payroll.ID, hrStaff, false},
		{"empty attributes never match", hr.ID, Requester{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := eval.CanAccess(ctx, tc.node, tc.who)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanAccess_RestrictedFolderWithoutSetsDeniesAll(t *testing.T) {
	svc, repo := newTestService(t)
	locked := mustCreate(t, svc, "locked", KindFolder, nil, private)
	doc := mustCreate(t, svc, "doc.md", KindFile, &locked)

	ok, err := NewAccessEvaluator(repo).CanAccess(context.Background(), doc.ID, Requester{DepartmentID: "d", RankID: "r", PositionID: "p"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanAccess_FollowsMoves(t *testing.T) {
	svc, repo := newTestService(t)
	eval := NewAccessEvaluator(repo)
	ctx := context.Background()

	secret := mustCreate(t, svc, "secret", KindFolder, nil, restricted(Permissions{PositionIDs: []string{"pos-cfo"}}))
	open := mustCreate(t, svc, "open", KindFolder, nil)
	doc := mustCreate(t, svc, "doc.md", KindFile, &open)

	ok, err := eval.CanAccess(ctx, doc.ID, Requester{})
	require.NoError(t, err)
	require.True(t, ok)

	secretID := secret.ID
	_, err = svc.Move(ctx, open.ID, &secretID)
	require.NoError(t, err)

	ok, err = eval.CanAccess(ctx, doc.ID, Requester{})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = eval.CanAccess(ctx, doc.ID, Requester{PositionID: "pos-cfo"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCanAccess_Errors(t *testing.T) {
	svc, repo := newTestService(t)
	eval := NewAccessEvaluator(repo)
	ctx := context.Background()

	_, err := eval.CanAccess(ctx, uuid.New(), Requester{})
	require.ErrorIs(t, err, ErrNotFound)

	gone := mustCreate(t, svc, "gone", KindFolder, nil)
	require.NoError(t, svc.SoftDelete(ctx, gone.ID))
	_, err = eval.CanAccess(ctx, gone.ID, Requester{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluate_IgnoresFilesOnPath(t *testing.T) {
	path := []RelativeNode{
		{Node: Node{Kind: KindFolder, IsPublic: true}, Distance: 1},
		{Node: Node{Kind: KindFile, IsPublic: true}, Distance: 0},
	}
	ok, reason := Evaluate(path, Requester{})
	require.True(t, ok)
	require.Equal(t, "cascade", reason)
}
