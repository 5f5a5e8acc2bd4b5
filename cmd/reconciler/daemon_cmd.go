package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/corpcms/modules/reconciliation/domain/permref"
	"github.com/iota-uz/corpcms/modules/reconciliation/handlers"
	"github.com/iota-uz/corpcms/pkg/configuration"
	"github.com/iota-uz/corpcms/pkg/eventbus"
	"github.com/iota-uz/corpcms/pkg/logging"
	"github.com/iota-uz/corpcms/pkg/metrics"
	"github.com/iota-uz/corpcms/pkg/middleware"
	"github.com/iota-uz/corpcms/pkg/outbox"
	eventbusdispatcher "github.com/iota-uz/corpcms/pkg/outbox/dispatchers/eventbus"
)

func newDaemonCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Reconcile on a schedule and serve health and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, global)
		},
	}
}

func runDaemon(ctx context.Context, global *globalOptions) error {
	conf := configuration.Use()
	logger := conf.Logger()

	if conf.OpenTelemetry.Enabled {
		cleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
		defer cleanup()
		logger.Info("OpenTelemetry tracing enabled, exporting to " + conf.OpenTelemetry.TempoURL)
	}

	a, ctx, err := newApp(ctx, global)
	if err != nil {
		return err
	}
	defer a.Close()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	startOps(ctx, g, a)
	if conf.Reconcile.Notifier == configuration.NotifierOutbox {
		if err := startOutbox(ctx, g, a); err != nil {
			return err
		}
	}

	intervals := map[permref.EntityKind]time.Duration{
		permref.KindWikiFolder:   conf.Reconcile.WikiInterval,
		permref.KindAnnouncement: conf.Reconcile.AnnouncementInterval,
	}
	g.Go(func() error {
		return sched.Start(ctx, intervals, conf.Reconcile.RunOnStart)
	})

	logger.WithFields(logrus.Fields{
		"ops_addr": conf.OpsAddr,
		"lock":     conf.Reconcile.LockBackend,
		"notifier": conf.Reconcile.Notifier,
	}).Info("reconciler daemon started")
	return g.Wait()
}

func startOps(ctx context.Context, g *errgroup.Group, a *app) {
	controllers := []metrics.Controller{
		metrics.NewHealthController(map[string]metrics.HealthCheck{
			"database": func(ctx context.Context) error { return a.pool.Ping(ctx) },
		}),
	}
	if a.conf.Prometheus.Enabled {
		controllers = append(controllers, metrics.NewPrometheusController(a.conf.Prometheus.Path))
	}
	router := metrics.NewRouter(controllers...)
	router.Use(middleware.WithLogger(a.log))
	srv := &http.Server{
		Addr:              a.conf.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startOutbox wires the relay that delivers drift notices to the in-process
// bus, and the cleaner that purges delivered rows.
func startOutbox(ctx context.Context, g *errgroup.Group, a *app) error {
	conf := a.conf.Outbox
	outboxLog := a.log.WithField("component", "outbox")
	table, err := outbox.ParseIdentifier(conf.Table)
	if err != nil {
		return withCode(exitUsage, err)
	}
	tableLog := outboxLog.WithField("table", outbox.TableLabel(table))

	bus := eventbus.New(a.log)
	handlers.NewDriftHandler(logrus.NewEntry(a.log)).Register(bus)

	if conf.RelayEnabled {
		relay, err := outbox.NewRelay(a.pool, table, eventbusdispatcher.New(bus), outbox.RelayOptions{
			PollInterval:    conf.RelayPollInterval,
			BatchSize:       conf.RelayBatchSize,
			LockTTL:         conf.RelayLockTTL,
			MaxAttempts:     conf.RelayMaxAttempts,
			SingleActive:    conf.RelaySingleActive,
			LastErrorMaxLen: conf.LastErrorMaxBytes,
			DispatchTimeout: conf.RelayDispatchTimeout,
			Logger:          tableLog,
		})
		if err != nil {
			return withCode(exitUsage, err)
		}
		g.Go(func() error { return ignoreCanceled(relay.Run(ctx)) })
	} else {
		outboxLog.Info("outbox: relay disabled")
	}

	if conf.CleanerEnabled {
		cleaner, err := outbox.NewCleaner(a.pool, table, outbox.CleanerOptions{
			Interval:  conf.CleanerInterval,
			Retention: conf.CleanerRetention,
			Logger:    tableLog,
		})
		if err != nil {
			return withCode(exitUsage, err)
		}
		g.Go(func() error { return ignoreCanceled(cleaner.Run(ctx)) })
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
