package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/corpcms/modules/announcement"
	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/modules/reconciliation/infrastructure/identity"
	"github.com/iota-uz/corpcms/modules/reconciliation/infrastructure/persistence"
	"github.com/iota-uz/corpcms/modules/reconciliation/infrastructure/redislock"
	"github.com/iota-uz/corpcms/modules/reconciliation/services"
	"github.com/iota-uz/corpcms/modules/wiki"
	"github.com/iota-uz/corpcms/pkg/authz"
	"github.com/iota-uz/corpcms/pkg/commands/common"
	"github.com/iota-uz/corpcms/pkg/composables"
	"github.com/iota-uz/corpcms/pkg/configuration"
	"github.com/iota-uz/corpcms/pkg/outbox"
)

// app holds what every subcommand needs once the database is reachable.
type app struct {
	conf    *configuration.Configuration
	log     *logrus.Logger
	pool    *pgxpool.Pool
	tx      *composables.PoolTransactor
	wiki    *wiki.Module
	news    *announcement.Module
	logs    services.LogRepository
	closers []func() error
}

func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return common.GetDatabasePool(ctx, dsn)
}

// newApp connects to the database and returns ctx with the pool bound so
// repositories can find it.
func newApp(ctx context.Context, global *globalOptions) (*app, context.Context, error) {
	conf := configuration.Use()
	logger := conf.Logger()

	pool, err := connectDB(ctx, global.dsn)
	if err != nil {
		return nil, ctx, withCode(exitDB, fmt.Errorf("connect database: %w", err))
	}
	tx := composables.NewPoolTransactor(pool)
	a := &app{
		conf: conf,
		log:  logger,
		pool: pool,
		tx:   tx,
		wiki: wiki.NewModule(tx, logger.WithField("module", "wiki")),
		news: announcement.NewModule(),
		logs: persistence.NewLogRepository(),
	}
	return a, tx.Bind(ctx), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.pool.Close()
}

func (a *app) sources() []permref.Source {
	return []permref.Source{a.wiki.Source, a.news.Source}
}

func (a *app) locker() (services.RunLocker, error) {
	switch a.conf.Reconcile.LockBackend {
	case configuration.LockBackendPostgres:
		return persistence.NewAdvisoryLocker(a.pool), nil
	case configuration.LockBackendRedis:
		l, err := redislock.NewFromURL(a.conf.RedisURL)
		if err != nil {
			return nil, withCode(exitUsage, err)
		}
		a.closers = append(a.closers, l.Close)
		return l, nil
	default:
		return services.NewLocalLocker(), nil
	}
}

func (a *app) notifier() (services.Notifier, error) {
	entry := a.log.WithField("component", "reconciliation")
	if a.conf.Reconcile.Notifier != configuration.NotifierOutbox {
		return services.NewLogNotifier(entry), nil
	}
	table, err := outbox.ParseIdentifier(a.conf.Outbox.Table)
	if err != nil {
		return nil, withCode(exitUsage, fmt.Errorf("invalid OUTBOX_TABLE: %w", err))
	}
	return services.NewOutboxNotifier(outbox.NewPublisher(table)), nil
}

func (a *app) scheduler() (*services.Scheduler, error) {
	resolver, err := identity.NewClient(a.conf.Identity.BaseURL, a.conf.Identity.Token, a.conf.Identity.Timeout)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	locker, err := a.locker()
	if err != nil {
		return nil, err
	}
	notifier, err := a.notifier()
	if err != nil {
		return nil, err
	}
	return services.NewScheduler(services.SchedulerConfig{
		Sources:     a.sources(),
		Resolver:    resolver,
		Logs:        a.logs,
		Notifier:    notifier,
		Tx:          a.tx,
		Locker:      locker,
		Logger:      logrus.NewEntry(a.log),
		BatchSize:   a.conf.Reconcile.BatchSize,
		Concurrency: a.conf.Reconcile.Concurrency,
		LockTTL:     a.conf.Reconcile.LockTTL,
	})
}

func (a *app) admin() (*services.AdminService, error) {
	az, err := authz.NewService(authz.DefaultConfig())
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	return services.NewAdminService(a.logs, a.tx, az, logrus.NewEntry(a.log), a.sources()...), nil
}

// parseKinds accepts "all", a kind name, or a short alias.
func parseKinds(raw string) ([]permref.EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "all":
		return []permref.EntityKind{permref.KindWikiFolder, permref.KindAnnouncement}, nil
	case "wiki", "wiki_folder":
		return []permref.EntityKind{permref.KindWikiFolder}, nil
	case "announcement", "announcements":
		return []permref.EntityKind{permref.KindAnnouncement}, nil
	default:
		return nil, withCode(exitUsage, fmt.Errorf("unknown kind %q (expected all|wiki|announcement)", raw))
	}
}

func parseKind(raw string) (permref.EntityKind, error) {
	kinds, err := parseKinds(raw)
	if err != nil {
		return "", err
	}
	if len(kinds) != 1 {
		return "", withCode(exitUsage, fmt.Errorf("--kind must name a single kind"))
	}
	return kinds[0], nil
}
