package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
)

var tracer = otel.Tracer("github.com/iota-uz/corpcms/modules/reconciliation")

const (
	DefaultBatchSize = 10
	DefaultLockTTL   = 30 * time.Minute

	autoResolveNote = "all invalid departments are active again"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunSkipped means nothing referenced a department, so the directory
	// was not consulted.
	RunSkipped RunStatus = "skipped"
	// RunLocked means another run of the same kind held the lock.
	RunLocked RunStatus = "locked"
)

type RunReport struct {
	Kind          permref.EntityKind
	Status        RunStatus
	Entities      int
	DistinctIDs   int
	ResolverCalls int
	Resolved      int
	Detected      int
	Duplicates    int
	Clean         int
	Failed        int
	OpenAfter     int
	StartedAt     time.Time
	Duration      time.Duration
	Err           error
}

// ProgressFunc receives progress at roughly 10% steps.
type ProgressFunc func(kind permref.EntityKind, done, total int)

type SchedulerConfig struct {
	Sources     []permref.Source
	Resolver    IdentityResolver
	Logs        LogRepository
	Notifier    Notifier
	// Tx is required when Notifier is transactional.
	Tx          Transactor
	Locker      RunLocker
	Logger      *logrus.Entry
	BatchSize   int
	Concurrency int
	LockTTL     time.Duration
	Progress    ProgressFunc
}

// Scheduler runs drift reconciliation, one kind at a time per call.
type Scheduler struct {
	sources     map[permref.EntityKind]permref.Source
	kinds       []permref.EntityKind
	resolver    IdentityResolver
	logs        LogRepository
	notifier    Notifier
	notifyInTx  bool
	tx          Transactor
	locker      RunLocker
	log         *logrus.Entry
	batchSize   int
	concurrency int
	lockTTL     time.Duration
	progress    ProgressFunc
	now         func() time.Time
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	switch {
	case cfg.Resolver == nil:
		return nil, errors.New("reconciliation: resolver is required")
	case cfg.Logs == nil:
		return nil, errors.New("reconciliation: log repository is required")
	case len(cfg.Sources) == 0:
		return nil, errors.New("reconciliation: at least one source is required")
	}
	s := &Scheduler{
		sources:     make(map[permref.EntityKind]permref.Source, len(cfg.Sources)),
		resolver:    cfg.Resolver,
		logs:        cfg.Logs,
		notifier:    cfg.Notifier,
		tx:          cfg.Tx,
		locker:      cfg.Locker,
		log:         cfg.Logger,
		batchSize:   cfg.BatchSize,
		concurrency: cfg.Concurrency,
		lockTTL:     cfg.LockTTL,
		progress:    cfg.Progress,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, src := range cfg.Sources {
		if _, dup := s.sources[src.Kind()]; dup {
			return nil, fmt.Errorf("reconciliation: duplicate source for %s", src.Kind())
		}
		s.sources[src.Kind()] = src
		s.kinds = append(s.kinds, src.Kind())
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	s.log = s.log.WithField("component", "reconciliation")
	if s.notifier == nil {
		s.notifier = NewLogNotifier(s.log)
	}
	if tn, ok := s.notifier.(TransactionalNotifier); ok && tn.Transactional() {
		if s.tx == nil {
			return nil, errors.New("reconciliation: a transactional notifier needs a transactor")
		}
		s.notifyInTx = true
	}
	if s.locker == nil {
		s.locker = NewLocalLocker()
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.concurrency <= 0 {
		s.concurrency = s.batchSize
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	return s, nil
}

func (s *Scheduler) Kinds() []permref.EntityKind {
	return slices.Clone(s.kinds)
}

// RunKind performs one reconciliation pass for kind. A resolver failure
// aborts the pass before anything is written and is returned wrapped in
// ErrResolverUnavailable. Per-entity failures are logged and counted only.
func (s *Scheduler) RunKind(ctx context.Context, kind permref.EntityKind) (report RunReport, err error) {
	report = RunReport{Kind: kind, StartedAt: s.now()}
	src, ok := s.sources[kind]
	if !ok {
		return report, unknownKind(kind)
	}

	ctx, span := tracer.Start(ctx, "reconciliation.RunKind")
	span.SetAttributes(attribute.String("reconciliation.kind", kind.String()))
	log := s.log.WithField("kind", kind)
	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		if err != nil {
			report.Status = RunFailed
			report.Err = err
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("reconciliation.status", string(report.Status)))
		span.End()
		recordRun(report)
	}()

	release, ok, err := s.locker.TryLock(ctx, "reconcile:"+kind.String(), s.lockTTL)
	if err != nil {
		return report, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		report.Status = RunLocked
		log.Info("reconciliation already running elsewhere, skipping tick")
		return report, nil
	}
	defer func() {
		if rErr := release(context.WithoutCancel(ctx)); rErr != nil {
			log.WithError(rErr).Warn("failed to release run lock")
		}
	}()

	refs, err := src.ListAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list %s entities: %w", kind, err)
	}
	open, err := s.logs.ListOpen(ctx, kind)
	if err != nil {
		return report, fmt.Errorf("list open entries: %w", err)
	}
	report.Entities = len(refs)
	report.OpenAfter = len(open)

	ids := permref.ReferencedDepartmentIDs(refs)
	report.DistinctIDs = len(ids)
	if len(ids) == 0 {
		report.Status = RunSkipped
		log.Debug("no department references, nothing to reconcile")
		return report, nil
	}

	report.ResolverCalls++
	dir, err := s.resolver.ResolveDepartments(ctx, ids)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrResolverUnavailable, err)
	}

	stillOpen := s.revalidate(ctx, kind, open, dir, &report)
	s.detect(ctx, kind, refs, dir, stillOpen, &report)
	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.Status = RunSucceeded
	report.OpenAfter = len(stillOpen) + report.Detected
	log.WithFields(logrus.Fields{
		"entities":   report.Entities,
		"ids":        report.DistinctIDs,
		"resolved":   report.Resolved,
		"detected":   report.Detected,
		"duplicates": report.Duplicates,
		"failed":     report.Failed,
	}).Info("reconciliation run finished")
	return report, nil
}

// revalidate closes open entries whose invalid ids are all active in dir and
// returns the entity ids that remain open. dir only covers ids that current
// entities reference, so an id missing from it keeps its entry open.
func (s *Scheduler) revalidate(ctx context.Context, kind permref.EntityKind, open []LogEntry, dir Directory, report *RunReport) map[uuid.UUID]struct{} {
	stillOpen := make(map[uuid.UUID]struct{}, len(open))
	for _, entry := range open {
		if !AllActive(entry.InvalidIDs(), dir) {
			stillOpen[entry.EntityID] = struct{}{}
			continue
		}
		err := s.logs.MarkResolved(ctx, entry.ID, Resolution{Note: autoResolveNote, At: s.now()})
		if err != nil {
			stillOpen[entry.EntityID] = struct{}{}
			s.entityFailed(report, &PerEntityProcessingError{Kind: kind, EntityID: entry.EntityID, Stage: "revalidate", Cause: err})
			continue
		}
		report.Resolved++
		s.log.WithFields(logrus.Fields{"kind": kind, "entity_id": entry.EntityID, "entry_id": entry.ID}).
			Info("drift resolved automatically")
	}
	return stillOpen
}

type outcome int

const (
	outcomeClean outcome = iota
	outcomeDuplicate
	outcomeDetected
	outcomeFailed
)

func (s *Scheduler) detect(ctx context.Context, kind permref.EntityKind, refs []permref.Reference, dir Directory, open map[uuid.UUID]struct{}, report *RunReport) {
	total := len(refs)
	lastStep := 0
	var mu sync.Mutex
	for start := 0; start < total; start += s.batchSize {
		if ctx.Err() != nil {
			return
		}
		end := min(start+s.batchSize, total)

		var g errgroup.Group
		g.SetLimit(s.concurrency)
		for _, ref := range refs[start:end] {
			g.Go(func() error {
				res, err := s.processEntity(ctx, kind, ref, dir, open)
				mu.Lock()
				defer mu.Unlock()
				switch res {
				case outcomeClean:
					report.Clean++
				case outcomeDuplicate:
					report.Duplicates++
				case outcomeDetected:
					report.Detected++
				case outcomeFailed:
					s.entityFailed(report, err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if step := end * 10 / total; step > lastStep {
			lastStep = step
			s.reportProgress(kind, end, total)
		}
	}
}

func (s *Scheduler) processEntity(ctx context.Context, kind permref.EntityKind, ref permref.Reference, dir Directory, open map[uuid.UUID]struct{}) (res outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = outcomeFailed
			err = &PerEntityProcessingError{
				Kind: kind, EntityID: ref.EntityID, Stage: "detect",
				Cause: fmt.Errorf("panic: %v\n%s", r, debug.Stack()),
			}
		}
	}()

	if len(ref.Permissions.DepartmentIDs) == 0 {
		return outcomeClean, nil
	}
	valid, invalid := Partition(ref.Permissions.Normalize().DepartmentIDs, dir)
	if len(invalid) == 0 {
		return outcomeClean, nil
	}
	if _, ok := open[ref.EntityID]; ok {
		return outcomeDuplicate, nil
	}

	entry := LogEntry{
		ID:                 uuid.New(),
		EntityID:           ref.EntityID,
		EntityKind:         kind,
		EntityName:         ref.Name,
		InvalidDepartments: describeInvalid(invalid, dir),
		Snapshot:           buildSnapshot(ref.Permissions, valid, invalid),
		Action:             ActionDetected,
		DetectedAt:         s.now(),
	}
	notice := DriftNotice{
		EntryID:            entry.ID,
		Kind:               kind,
		EntityID:           ref.EntityID,
		EntityName:         ref.Name,
		InvalidDepartments: entry.InvalidDepartments,
		DetectedAt:         entry.DetectedAt,
	}
	stage, err := s.record(ctx, entry, notice)
	if err != nil {
		if errors.Is(err, ErrOpenEntryExists) {
			return outcomeDuplicate, nil
		}
		return outcomeFailed, &PerEntityProcessingError{Kind: kind, EntityID: ref.EntityID, Stage: stage, Cause: err}
	}

	s.log.WithFields(logrus.Fields{
		"kind":        kind,
		"entity_id":   ref.EntityID,
		"entity_name": ref.Name,
		"invalid":     invalid,
	}).Warn("permission drift detected")
	return outcomeDetected, nil
}

// record persists entry and hands notice to the notifier. A transactional
// notifier shares the entry's transaction, so either both are written or
// neither is. Other notifiers run after the insert and their errors are only
// logged.
func (s *Scheduler) record(ctx context.Context, entry LogEntry, notice DriftNotice) (stage string, err error) {
	if s.notifyInTx {
		stage = "record"
		err = s.tx.InTx(ctx, func(txCtx context.Context) error {
			if err := s.logs.InsertDetected(txCtx, entry); err != nil {
				return err
			}
			stage = "notify"
			return s.notifier.NotifyAdmin(txCtx, notice)
		})
		return stage, err
	}

	if err := s.logs.InsertDetected(ctx, entry); err != nil {
		return "record", err
	}
	if err := s.notifier.NotifyAdmin(ctx, notice); err != nil {
		s.log.WithError(err).WithField("entity_id", entry.EntityID).Warn("failed to notify administrators")
	}
	return "", nil
}

func (s *Scheduler) entityFailed(report *RunReport, err error) {
	report.Failed++
	s.log.WithError(err).Error("reconciliation failed for entity")
}

func (s *Scheduler) reportProgress(kind permref.EntityKind, done, total int) {
	if s.progress != nil {
		s.progress(kind, done, total)
		return
	}
	s.log.WithFields(logrus.Fields{"kind": kind, "done": done, "total": total}).
		Infof("reconciliation progress %d%%", done*100/total)
}

// RunSafely is the top-level policy for scheduled runs: it never returns an
// error and never panics. Failures end up in the log and in the report.
func (s *Scheduler) RunSafely(ctx context.Context, kind permref.EntityKind) (report RunReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Kind = kind
			report.Status = RunFailed
			report.Err = fmt.Errorf("panic: %v", r)
			s.log.WithField("kind", kind).WithField("stack", string(debug.Stack())).
				Errorf("reconciliation run panicked: %v", r)
		}
	}()
	report, err := s.RunKind(ctx, kind)
	if err != nil {
		s.log.WithField("kind", kind).WithError(err).Error("reconciliation run failed")
	}
	return report
}

// RunAll runs every registered kind once, in registration order.
func (s *Scheduler) RunAll(ctx context.Context) []RunReport {
	reports := make([]RunReport, 0, len(s.kinds))
	for _, kind := range s.kinds {
		reports = append(reports, s.RunSafely(ctx, kind))
	}
	return reports
}

// Start ticks each kind at its own interval until ctx is done. Kinds
// without an interval are not scheduled.
func (s *Scheduler) Start(ctx context.Context, intervals map[permref.EntityKind]time.Duration, runOnStart bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range s.kinds {
		every := intervals[kind]
		if every <= 0 {
			s.log.WithField("kind", kind).Warn("no interval configured, kind not scheduled")
			continue
		}
		g.Go(func() error {
			s.loop(ctx, kind, every, runOnStart)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, kind permref.EntityKind, every time.Duration, runOnStart bool) {
	log := s.log.WithFields(logrus.Fields{"kind": kind, "interval": every.String()})
	log.Info("reconciliation loop started")
	if runOnStart {
		s.RunSafely(ctx, kind)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("reconciliation loop stopped")
			return
		case <-ticker.C:
			s.RunSafely(ctx, kind)
		}
	}
}
