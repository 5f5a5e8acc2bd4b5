package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

func TestRunKind_SingleResolverCallForDistinctIDs(t *testing.T) {
	h := newHarness(t)
	ids := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7"}
	for _, id := range ids {
		h.resolver.set(id, true)
	}
	for i := 0; i < 50; i++ {
		h.source.add(fmt.Sprintf("folder-%02d", i), ids[i%7], ids[(i+3)%7])
	}

	report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	require.Len(t, h.resolver.calls, 1)
	assert.ElementsMatch(t, ids, h.resolver.calls[0])
	assert.Equal(t, RunSucceeded, report.Status)
	assert.Equal(t, 50, report.Entities)
	assert.Equal(t, 7, report.DistinctIDs)
	assert.Equal(t, 1, report.ResolverCalls)
	assert.Equal(t, 50, report.Clean)
	assert.Zero(t, report.Detected)
}

func TestRunKind_DetectionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("live", true)
	h.resolver.set("dead", false)
	stale := h.source.add("stale", "live", "dead")
	h.source.add("fine", "live")

	first, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Detected)
	assert.Equal(t, 1, first.Clean)
	require.Len(t, h.notifier.notices, 1)

	entries := h.logs.byEntity(stale)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, ActionDetected, entry.Action)
	require.Len(t, entry.InvalidDepartments, 1)
	assert.Equal(t, "dead", entry.InvalidDepartments[0].ID)
	require.NotNil(t, entry.InvalidDepartments[0].Name)
	assert.Equal(t, "Dept dead", *entry.InvalidDepartments[0].Name)
	assert.Equal(t, []string{"live"}, entry.Snapshot.ValidDepartmentIDs)
	assert.Equal(t, []string{"dead"}, entry.Snapshot.InvalidDepartmentIDs)

	second, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Zero(t, second.Detected)
	assert.Equal(t, 1, second.Duplicates)
	assert.Len(t, h.logs.byEntity(stale), 1)
	assert.Len(t, h.notifier.notices, 1)
}

func TestRunKind_AutoResolveRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("d1", false)
	id := h.source.add("ops", "d1")
	ctx := context.Background()

	_, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	require.Len(t, h.logs.byEntity(id), 1)

	h.resolver.set("d1", true)
	report, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
	assert.Zero(t, report.Detected)
	entries := h.logs.byEntity(id)
	require.Len(t, entries, 1)
	assert.Equal(t, ActionResolved, entries[0].Action)
	assert.Nil(t, entries[0].ResolvedBy)
	assert.NotEmpty(t, entries[0].Note)

	h.resolver.set("d1", false)
	report, err = h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	entries = h.logs.byEntity(id)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionDetected, entries[1].Action)
}

func TestRunKind_OpenEntryStaysOpenUntilEveryIDIsActive(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("a", false)
	h.resolver.set("b", false)
	id := h.source.add("pair", "a", "b")
	ctx := context.Background()

	_, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)

	h.resolver.set("a", true)
	report, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Zero(t, report.Resolved)
	assert.Equal(t, 1, report.Duplicates)
	require.True(t, h.logs.byEntity(id)[0].IsOpen())
}

func TestRunKind_UnknownIDIsNotDrift(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("known", true)
	h.source.add("mixed", "known", "ghost")

	report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Zero(t, report.Detected)
	assert.Equal(t, 1, report.Clean)
	assert.Empty(t, h.logs.entries)
}

func TestRunKind_EmptyUnionSkipsResolver(t *testing.T) {
	h := newHarness(t)
	h.source.add("public-ish")
	h.source.add("also-empty")

	report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, report.Status)
	assert.Empty(t, h.resolver.calls)
	assert.Zero(t, report.ResolverCalls)
}

func TestRunKind_ResolverFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("d1", false)
	open := h.source.add("first", "d1")
	ctx := context.Background()
	_, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)

	h.resolver.set("d1", true)
	h.resolver.err = errors.New("connection refused")
	h.source.add("second", "d1")

	report, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.ErrorIs(t, err, ErrResolverUnavailable)
	assert.Equal(t, RunFailed, report.Status)
	assert.Zero(t, report.Resolved)
	assert.Zero(t, report.Detected)
	assert.True(t, h.logs.byEntity(open)[0].IsOpen())
	assert.Len(t, h.logs.entries, 1)

	safe := h.sched.RunSafely(ctx, permref.KindWikiFolder)
	assert.Equal(t, RunFailed, safe.Status)
	assert.ErrorIs(t, safe.Err, ErrResolverUnavailable)
}

func TestRunKind_PerEntityFailureIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("dead", false)
	var ids []uuid.UUID
	for i := 0; i < 12; i++ {
		ids = append(ids, h.source.add(fmt.Sprintf("e%d", i), "dead"))
	}
	h.logs.failOn[ids[3]] = errors.New("disk full")
	h.logs.panicOn[ids[10]] = true

	report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, report.Status)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 10, report.Detected)
	assert.Empty(t, h.logs.byEntity(ids[3]))
	assert.Len(t, h.logs.byEntity(ids[11]), 1)
}

func TestRunKind_NotifierFailureDoesNotFailEntity(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("dead", false)
	h.source.add("x", "dead")
	h.notifier.err = errors.New("smtp down")

	report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Zero(t, report.Failed)
}

func TestRunKind_ProgressInTenPercentSteps(t *testing.T) {
	var seen []int
	h := newHarness(t, func(cfg *SchedulerConfig) {
		cfg.BatchSize = 5
		cfg.Progress = func(_ permref.EntityKind, done, _ int) { seen = append(seen, done) }
	})
	h.resolver.set("d", true)
	for i := 0; i < 50; i++ {
		h.source.add(fmt.Sprintf("n%d", i), "d")
	}

	_, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10, 15, 20, 25, 30, 35, 40, 45, 50}, seen)
}

func TestRunKind_LockedRunIsSkipped(t *testing.T) {
	locker := NewLocalLocker()
	h := newHarness(t, func(cfg *SchedulerConfig) { cfg.Locker = locker })
	h.resolver.set("d", false)
	h.source.add("x", "d")

	release, ok, err := locker.TryLock(context.Background(), "reconcile:WIKI_FOLDER", 0)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, RunLocked, report.Status)
	assert.Empty(t, h.resolver.calls)

	require.NoError(t, release(context.Background()))
	report, err = h.sched.RunKind(context.Background(), permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, report.Status)
}

func TestRunSafely_RecoversPanics(t *testing.T) {
	h := newHarness(t)
	h.source.panics = true

	var report RunReport
	require.NotPanics(t, func() {
		report = h.sched.RunSafely(context.Background(), permref.KindWikiFolder)
	})
	assert.Equal(t, RunFailed, report.Status)
	assert.Error(t, report.Err)

	h.source.panics = false
	report = h.sched.RunSafely(context.Background(), permref.KindWikiFolder)
	assert.Equal(t, RunSkipped, report.Status)
}

func TestRunKind_UnknownKind(t *testing.T) {
	h := newHarness(t)
	_, err := h.sched.RunKind(context.Background(), permref.KindAnnouncement)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestRunAll_RunsEveryKind(t *testing.T) {
	announcements := newFakeSource(permref.KindAnnouncement)
	h := newHarness(t, func(cfg *SchedulerConfig) {
		cfg.Sources = append(cfg.Sources, announcements)
	})
	h.resolver.set("gone", false)
	h.source.add("folder", "gone")
	announcements.add("news", "gone")

	reports := h.sched.RunAll(context.Background())
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, RunSucceeded, r.Status)
		assert.Equal(t, 1, r.Detected)
	}
	assert.Len(t, h.resolver.calls, 2)
}

func TestStart_StopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("d", false)
	h.source.add("x", "d")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.sched.Start(ctx, nil, false)
	require.NoError(t, err)
	assert.Empty(t, h.resolver.calls)
}

func TestNewScheduler_RejectsDuplicateSources(t *testing.T) {
	src := newFakeSource(permref.KindWikiFolder)
	_, err := NewScheduler(SchedulerConfig{
		Sources:  []permref.Source{src, src},
		Resolver: &fakeResolver{},
		Logs:     newMemLogs(),
	})
	require.Error(t, err)
}

func TestRunKind_UnionCoversCurrentReferencesOnly(t *testing.T) {
	h := newHarness(t)
	h.resolver.set("d1", false)
	h.resolver.set("d2", true)
	id := h.source.add("ops", "d1")
	ctx := context.Background()

	_, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	require.Len(t, h.resolver.calls, 1)

	require.NoError(t, h.source.ApplyPermissionUpdate(ctx, id, permref.Sets{}))
	report, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, RunSkipped, report.Status)
	assert.Zero(t, report.ResolverCalls)
	assert.Len(t, h.resolver.calls, 1)
	assert.True(t, h.logs.byEntity(id)[0].IsOpen())

	h.resolver.set("d1", true)
	h.source.add("other", "d2")
	report, err = h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	require.Len(t, h.resolver.calls, 2)
	assert.Equal(t, []string{"d2"}, h.resolver.calls[1])
	assert.Equal(t, 1, report.DistinctIDs)
	assert.Zero(t, report.Resolved)
	assert.True(t, h.logs.byEntity(id)[0].IsOpen(), "ids outside the run's directory keep the entry open")
}

func TestRunKind_TransactionalNotifierSharesEntryTransaction(t *testing.T) {
	notifier := &txNotifier{}
	var tx *rollbackTx
	h := newHarness(t, func(cfg *SchedulerConfig) {
		cfg.Notifier = notifier
		tx = &rollbackTx{logs: cfg.Logs.(*memLogs)}
		cfg.Tx = tx
	})
	h.resolver.set("dead", false)
	id := h.source.add("x", "dead")
	ctx := context.Background()

	notifier.err = errors.New("outbox insert failed")
	report, err := h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Detected)
	assert.Empty(t, h.logs.byEntity(id), "entry is rolled back with the notice")
	assert.Equal(t, 1, tx.rollbacks)

	notifier.err = nil
	report, err = h.sched.RunKind(ctx, permref.KindWikiFolder)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Detected)
	assert.Zero(t, report.Failed)
	entries := h.logs.byEntity(id)
	require.Len(t, entries, 1)
	require.Len(t, notifier.notices, 2)
	assert.Equal(t, entries[0].ID, notifier.notices[1].EntryID)
	assert.Equal(t, 1, tx.commits)
}

func TestNewScheduler_TransactionalNotifierNeedsTransactor(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{
		Sources:  []permref.Source{newFakeSource(permref.KindWikiFolder)},
		Resolver: &fakeResolver{},
		Logs:     newMemLogs(),
		Notifier: &txNotifier{},
	})
	require.Error(t, err)
}

func TestRunKind_BatchesAreSequentialAndBounded(t *testing.T) {
	cases := []struct {
		name        string
		batchSize   int
		concurrency int
		limit       int
	}{
		{name: "batch size bounds members", batchSize: 4, limit: 4},
		{name: "concurrency below batch size", batchSize: 4, concurrency: 2, limit: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(cfg *SchedulerConfig) {
				cfg.BatchSize = tc.batchSize
				cfg.Concurrency = tc.concurrency
			})
			h.resolver.set("dead", false)
			batchOf := map[uuid.UUID]int{}
			for i := 0; i < 12; i++ {
				batchOf[h.source.add(fmt.Sprintf("e%02d", i), "dead")] = i / tc.batchSize
			}

			var (
				mu       sync.Mutex
				inFlight int
				peak     int
				finished = map[int]int{}
				// violations counts starts that happened before the previous
				// batch had finished.
				violations int
			)
			h.logs.onInsert = func(e LogEntry) func() {
				batch := batchOf[e.EntityID]
				mu.Lock()
				inFlight++
				peak = max(peak, inFlight)
				if batch > 0 && finished[batch-1] < tc.batchSize {
					violations++
				}
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				return func() {
					mu.Lock()
					inFlight--
					finished[batch]++
					mu.Unlock()
				}
			}

			report, err := h.sched.RunKind(context.Background(), permref.KindWikiFolder)
			require.NoError(t, err)
			assert.Equal(t, 12, report.Detected)
			assert.LessOrEqual(t, peak, tc.limit)
			assert.Greater(t, peak, 1, "batch members run concurrently")
			assert.Zero(t, violations)
		})
	}
}
