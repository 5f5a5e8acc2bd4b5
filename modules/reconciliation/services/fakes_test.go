package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/pkg/logging"
)

type fakeResolver struct {
	mu    sync.Mutex
	dir   Directory
	calls [][]string
	err   error
}

func (r *fakeResolver) ResolveDepartments(_ context.Context, ids []string) (Directory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, slices.Clone(ids))
	if r.err != nil {
		return nil, r.err
	}
	out := Directory{}
	for _, id := range ids {
		if status, ok := r.dir[id]; ok {
			out[id] = status
		}
	}
	return out, nil
}

func (r *fakeResolver) set(id string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dir[id] = DepartmentStatus{IsActive: active, Name: "Dept " + id}
}

type fakeSource struct {
	kind    permref.EntityKind
	mu      sync.Mutex
	refs    map[uuid.UUID]permref.Reference
	order   []uuid.UUID
	listErr error
	panics  bool
}

func newFakeSource(kind permref.EntityKind) *fakeSource {
	return &fakeSource{kind: kind, refs: map[uuid.UUID]permref.Reference{}}
}

func (s *fakeSource) add(name string, deptIDs ...string) uuid.UUID {
	id := uuid.New()
	s.refs[id] = permref.Reference{
		EntityID:    id,
		Kind:        s.kind,
		Name:        name,
		Permissions: permref.Sets{DepartmentIDs: deptIDs},
	}
	s.order = append(s.order, id)
	return id
}

func (s *fakeSource) Kind() permref.EntityKind { return s.kind }

func (s *fakeSource) ListAll(context.Context) ([]permref.Reference, error) {
	if s.panics {
		panic("source exploded")
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]permref.Reference, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.refs[id])
	}
	return out, nil
}

func (s *fakeSource) Get(_ context.Context, id uuid.UUID) (permref.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[id]
	if !ok {
		return permref.Reference{}, errors.New("entity not found")
	}
	return ref, nil
}

func (s *fakeSource) ApplyPermissionUpdate(_ context.Context, id uuid.UUID, sets permref.Sets) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.refs[id]
	if !ok {
		return errors.New("entity not found")
	}
	ref.Permissions = sets
	s.refs[id] = ref
	return nil
}

type memLogs struct {
	mu        sync.Mutex
	entries   []LogEntry
	failOn    map[uuid.UUID]error
	panicOn   map[uuid.UUID]bool
	listCalls int
	// onInsert runs when InsertDetected starts, outside the lock. The
	// returned func runs when it returns.
	onInsert func(LogEntry) func()
}

func newMemLogs() *memLogs {
	return &memLogs{failOn: map[uuid.UUID]error{}, panicOn: map[uuid.UUID]bool{}}
}

func (l *memLogs) Get(_ context.Context, id uuid.UUID) (LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return LogEntry{}, ErrEntryNotFound
}

func (l *memLogs) ListOpen(_ context.Context, kind permref.EntityKind) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listCalls++
	var out []LogEntry
	for _, e := range l.entries {
		if e.EntityKind == kind && e.IsOpen() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *memLogs) FindOpen(_ context.Context, kind permref.EntityKind, entityID uuid.UUID) (*LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.EntityKind == kind && e.EntityID == entityID && e.IsOpen() {
			return &e, nil
		}
	}
	return nil, nil
}

func (l *memLogs) InsertDetected(ctx context.Context, entry LogEntry) error {
	if l.panicOn[entry.EntityID] {
		panic("insert exploded")
	}
	if l.onInsert != nil {
		defer l.onInsert(entry)()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failOn[entry.EntityID]; err != nil {
		return err
	}
	for _, e := range l.entries {
		if e.EntityKind == entry.EntityKind && e.EntityID == entry.EntityID && e.IsOpen() {
			return ErrOpenEntryExists
		}
	}
	l.entries = append(l.entries, entry)
	if scope, ok := ctx.Value(txScopeKey{}).(*txScope); ok {
		scope.inserted = append(scope.inserted, entry.ID)
	}
	return nil
}

func (l *memLogs) remove(ids []uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.DeleteFunc(l.entries, func(e LogEntry) bool {
		return slices.Contains(ids, e.ID)
	})
}

func (l *memLogs) InsertResolved(_ context.Context, entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memLogs) MarkResolved(_ context.Context, id uuid.UUID, res Resolution) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.ID != id || !e.IsOpen() {
			continue
		}
		at := res.At
		e.Action, e.Note, e.Patch = ActionResolved, res.Note, res.Patch
		e.ResolvedAt, e.ResolvedBy = &at, res.By
		l.entries[i] = e
		return nil
	}
	return ErrEntryNotFound
}

func (l *memLogs) ListByEntity(_ context.Context, kind permref.EntityKind, entityID uuid.UUID) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.EntityKind == kind && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	slices.Reverse(out)
	return out, nil
}

func (l *memLogs) ListRecent(_ context.Context, kind permref.EntityKind, limit int) ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for i := len(l.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if l.entries[i].EntityKind == kind {
			out = append(out, l.entries[i])
		}
	}
	return out, nil
}

func (l *memLogs) byEntity(entityID uuid.UUID) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []DriftNotice
	err     error
}

func (n *recordingNotifier) NotifyAdmin(_ context.Context, notice DriftNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

// passTx runs fn directly; the fakes need no transaction.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// txNotifier asks the scheduler for a shared transaction, like the outbox.
type txNotifier struct {
	recordingNotifier
}

func (*txNotifier) Transactional() bool { return true }

type txScopeKey struct{}

type txScope struct {
	inserted []uuid.UUID
}

// rollbackTx undoes the entries fn inserted when fn fails.
type rollbackTx struct {
	logs      *memLogs
	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (tx *rollbackTx) InTx(ctx context.Context, fn func(context.Context) error) error {
	scope := &txScope{}
	err := fn(context.WithValue(ctx, txScopeKey{}, scope))
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err != nil {
		tx.logs.remove(scope.inserted)
		tx.rollbacks++
		return err
	}
	tx.commits++
	return nil
}

type harness struct {
	resolver *fakeResolver
	source   *fakeSource
	logs     *memLogs
	notifier *recordingNotifier
	sched    *Scheduler
}

func newHarness(t interface{ Fatalf(string, ...any) }, opts ...func(*SchedulerConfig)) *harness {
	h := &harness{
		resolver: &fakeResolver{dir: Directory{}},
		source:   newFakeSource(permref.KindWikiFolder),
		logs:     newMemLogs(),
		notifier: &recordingNotifier{},
	}
	cfg := SchedulerConfig{
		Sources:  []permref.Source{h.source},
		Resolver: h.resolver,
		Logs:     h.logs,
		Notifier: h.notifier,
		Logger:   logging.Nop(),
		Progress: func(permref.EntityKind, int, int) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	h.sched = sched
	return h
}

