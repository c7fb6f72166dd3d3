// Package app builds and holds the long-lived services of a harvest process.
// It is the only place that knows which concrete store, fetcher and notifier
// a configuration selects.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/api"
	"github.com/JakeFAU/harvest/internal/config"
	"github.com/JakeFAU/harvest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/harvest/internal/fetcher/colly"
	"github.com/JakeFAU/harvest/internal/fetcher/headless"
	"github.com/JakeFAU/harvest/internal/fetcher/headless/detector"
	"github.com/JakeFAU/harvest/internal/fetcher/ratelimit"
	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/notify"
	"github.com/JakeFAU/harvest/internal/orchestrator"
	"github.com/JakeFAU/harvest/internal/pipeline"
	pubsubpublisher "github.com/JakeFAU/harvest/internal/publisher/pubsub"
	"github.com/JakeFAU/harvest/internal/reporting"
	"github.com/JakeFAU/harvest/internal/reporting/sinks"
	"github.com/JakeFAU/harvest/internal/storage"
	"github.com/JakeFAU/harvest/internal/storage/gcs"
	"github.com/JakeFAU/harvest/internal/storage/local"
	"github.com/JakeFAU/harvest/internal/storage/memory"
	"github.com/JakeFAU/harvest/internal/storage/postgres"
)

// Store is what the app needs from a record store.
type Store interface {
	pipeline.RecordStore
	pipeline.ReportStore
	pipeline.RecordLister
}

// Options adjust how New builds the services.
type Options struct {
	// DryRun swaps the configured store for an in-memory one and disables
	// notifications, archiving and publishing.
	DryRun bool
	// Registerer receives the report metrics. Nil uses the default registry.
	Registerer prometheus.Registerer
	// Fetcher replaces the configured fetch stack.
	Fetcher pipeline.Fetcher
	// Notifier replaces the configured notifier.
	Notifier pipeline.Notifier
}

// App holds all the shared, long-lived services for the application.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Store     Store
	Runner    *orchestrator.Runner
	Scheduler *orchestrator.Scheduler
	Hub       *reporting.Hub
	API       *api.Server

	targets []pipeline.Target
	ready   func(context.Context) error
	migrate func(context.Context) error
	closers []func()
}

// New creates the services selected by cfg. It fails fast when a critical
// service cannot be initialized, releasing whatever it already built.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	a = &App{Config: cfg, Logger: logger, targets: cfg.PipelineTargets()}
	defer func() {
		if err != nil {
			if a.Hub != nil {
				_ = a.Hub.Close(context.Background())
			}
			a.release()
			a = nil
		}
	}()

	if err := a.buildStore(ctx, opts); err != nil {
		return a, err
	}
	fetch := opts.Fetcher
	if fetch == nil {
		fetch = a.buildFetcher()
	}
	rules, err := cfg.CompileRules()
	if err != nil {
		return a, err
	}
	archiver, err := a.buildArchiver(ctx, opts)
	if err != nil {
		return a, err
	}
	notifier := opts.Notifier
	if notifier == nil {
		if notifier, err = a.buildNotifier(opts); err != nil {
			return a, err
		}
	}
	if err := a.buildHub(ctx, opts); err != nil {
		return a, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return a, err
	}
	runnerOpts := []orchestrator.Option{
		orchestrator.WithEmitter(a.Hub),
		orchestrator.WithLogger(logger),
		orchestrator.WithMaxConcurrent(cfg.Scheduler.MaxConcurrent),
		orchestrator.WithPersistTimeout(cfg.Scheduler.PersistTimeout),
		orchestrator.WithNotifyTimeout(cfg.Scheduler.NotifyTimeout),
	}
	if notifier != nil {
		runnerOpts = append(runnerOpts, orchestrator.WithNotifier(notifier))
	}
	if archiver != nil {
		runnerOpts = append(runnerOpts, orchestrator.WithArchiver(archiver))
	}
	if a.Runner, err = orchestrator.NewRunner(fetch, a.Store, rules, runnerOpts...); err != nil {
		return a, fmt.Errorf("build runner: %w", err)
	}
	a.Scheduler, err = orchestrator.NewScheduler(a.Runner, a.targets, orchestrator.SchedulerConfig{
		Schedule:   cfg.Scheduler.Schedule,
		RunOnStart: cfg.Scheduler.RunOnStart,
		Location:   loc,
	}, logger)
	if err != nil {
		return a, fmt.Errorf("build scheduler: %w", err)
	}
	a.API = api.NewServer(a.Scheduler, a.Runner, a.Store, cfg.Auth,
		api.WithReadiness(a.ready),
		api.WithRecords(a.Store, cfg.StatusPolicies()),
		api.WithLogger(logger.Named("api")),
	)
	logger.Info("application services initialized",
		zap.Int("targets", len(a.targets)),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("dry_run", opts.DryRun),
	)
	return a, nil
}

func (a *App) buildStore(ctx context.Context, opts Options) error {
	cfg := a.Config.Storage
	if opts.DryRun || cfg.Driver == config.StorageMemory {
		a.Logger.Info("using in-memory record store, nothing will be kept")
		a.Store = memory.NewStore()
		return nil
	}
	store, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DSN,
		RecordsTable:    cfg.RecordsTable,
		ReportsTable:    cfg.ReportsTable,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.Store = store
	a.ready = store.Ping
	a.migrate = store.Migrate
	a.closers = append(a.closers, store.Close)
	return nil
}

// buildFetcher assembles rate limit → strategy router → retries.
func (a *App) buildFetcher() pipeline.Fetcher {
	cfg := a.Config
	perHost := make(map[string]float64, len(cfg.Fetch.RateLimit.PerHost))
	for _, h := range cfg.Fetch.RateLimit.PerHost {
		perHost[h.Host] = h.RPS
	}
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Fetch.RateLimit.RPS,
		DefaultBurst: cfg.Fetch.RateLimit.Burst,
		PerHostRPS:   perHost,
	})

	routes := map[pipeline.Strategy]pipeline.Fetcher{
		pipeline.StrategySimple: collyfetcher.New(collyfetcher.Config{
			UserAgent:      cfg.Fetch.UserAgent,
			AcceptLanguage: cfg.Fetch.AcceptLanguage,
			RespectRobots:  cfg.Fetch.RespectRobots,
			Timeout:        cfg.Fetch.Timeout,
		}, limiter, a.Logger),
		pipeline.StrategyBrowser: headless.NewNoop(),
	}
	attemptTimeout := cfg.Fetch.Timeout
	if cfg.Headless.Enabled {
		browser, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetch.UserAgent,
			AcceptLanguage:    cfg.Fetch.AcceptLanguage,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
			WaitSelector:      cfg.Headless.WaitSelector,
			SettleDelay:       cfg.Headless.SettleDelay,
			ExecPath:          cfg.Headless.ExecPath,
		}, limiter, a.Logger)
		if err != nil {
			a.Logger.Warn("headless fetcher init failed, browser targets will fail", zap.Error(err))
		} else {
			routes[pipeline.StrategyBrowser] = browser
			a.closers = append(a.closers, browser.Close)
			attemptTimeout = max(attemptTimeout, cfg.Headless.NavigationTimeout+cfg.Headless.SettleDelay)
		}
	}

	router := fetcher.NewRouter(routes)
	router.EnableAuto(detector.NewHeuristic(cfg.Headless.PromoteMinText), a.Logger)

	return fetcher.NewRetrying(router, fetcher.Backoff{
		MaxAttempts: cfg.Fetch.Retry.MaxAttempts,
		BaseDelay:   cfg.Fetch.Retry.BaseDelay,
		Multiplier:  cfg.Fetch.Retry.Multiplier,
		MaxDelay:    cfg.Fetch.Retry.MaxDelay,
		Jitter:      cfg.Fetch.Retry.Jitter,
	},
		fetcher.WithLogger(a.Logger),
		// Slack over the driver's own timeout so it reports first.
		fetcher.WithAttemptTimeout(attemptTimeout+5*time.Second),
	)
}

func (a *App) buildArchiver(ctx context.Context, opts Options) (*storage.Archiver, error) {
	cfg := a.Config.Archive
	if opts.DryRun {
		return nil, nil
	}
	switch cfg.Driver {
	case config.ArchiveLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.Logger.Info("archiving raw pages locally", zap.String("dir", cfg.BaseDir))
		return storage.NewArchiver(store, cfg.Prefix), nil
	case config.ArchiveGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize gcs client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize archive: %w", err)
		}
		a.Logger.Info("archiving raw pages to gcs", zap.String("bucket", cfg.Bucket))
		return storage.NewArchiver(store, cfg.Prefix), nil
	default:
		return nil, nil
	}
}

func (a *App) buildNotifier(opts Options) (pipeline.Notifier, error) {
	cfg := a.Config.Notify
	notifyOpts := []notify.Option{notify.WithStatuses(a.Config.StatusPolicies())}
	if cfg.SkipExpired {
		notifyOpts = append(notifyOpts, notify.SkipExpired())
	}
	if opts.DryRun {
		return notify.NewLog(a.Logger, notifyOpts...), nil
	}
	switch cfg.Driver {
	case config.NotifyEmail:
		email, err := notify.NewEmail(notify.EmailConfig{
			APIKey:        cfg.Email.APIKey,
			From:          cfg.Email.From,
			FromName:      cfg.Email.FromName,
			To:            cfg.Email.To,
			SubjectPrefix: cfg.Email.SubjectPrefix,
			Host:          cfg.Email.Host,
			Timeout:       cfg.Email.Timeout,
		}, a.Logger, notifyOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email notifier: %w", err)
		}
		return email, nil
	case config.NotifyLog:
		return notify.NewLog(a.Logger, notifyOpts...), nil
	default:
		return nil, nil
	}
}

func (a *App) buildHub(ctx context.Context, opts Options) error {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("register report metrics: %w", err)
	}
	all := []reporting.Sink{
		sinks.NewLogSink(a.Logger),
		sinks.NewStoreSink(a.Store, a.Logger),
		promSink,
	}
	if a.Config.PubSub.Enabled && !opts.DryRun {
		pub, err := pubsubpublisher.New(ctx, a.Config.PubSub.ProjectID, a.Config.PubSub.Topic, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize pubsub: %w", err)
		}
		a.closers = append(a.closers, func() { _ = pub.Close() })
		all = append(all, sinks.NewPublishSink(pub, a.Config.PubSub.Topic))
	}
	a.Hub = reporting.NewHub(reporting.Config{Logger: a.Logger}, all...)
	return nil
}

// Migrate creates the storage schema when the store supports it.
func (a *App) Migrate(ctx context.Context) error {
	if a.migrate == nil {
		a.Logger.Info("store has no schema to migrate")
		return nil
	}
	if err := a.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.Logger.Info("schema is up to date")
	return nil
}

// RunOnce runs the given targets, or every enabled target when ids is empty,
// and returns their reports.
func (a *App) RunOnce(ctx context.Context, ids []string) ([]pipeline.RunReport, error) {
	var selected []pipeline.Target
	if len(ids) == 0 {
		for _, t := range a.targets {
			if !t.Disabled {
				selected = append(selected, t)
			}
		}
	} else {
		for _, id := range ids {
			idx := slices.IndexFunc(a.targets, func(t pipeline.Target) bool { return t.ID == id })
			if idx < 0 {
				return nil, fmt.Errorf("%w %q", pipeline.ErrUnknownTarget, id)
			}
			selected = append(selected, a.targets[idx])
		}
	}
	return a.Runner.RunAll(ctx, selected), nil
}

// Serve starts the scheduler and the admin API and blocks until ctx is done
// or the server fails. Shutdown waits up to server.shutdown_timeout.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	a.Scheduler.Start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.Logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.API.Close(shutdownCtx); err != nil {
		a.Logger.Warn("manual runs still in flight at shutdown", zap.Error(err))
	}
	if err := a.Scheduler.Stop(shutdownCtx); err != nil {
		a.Logger.Warn("scheduled runs still in flight at shutdown", zap.Error(err))
	}
	return runErr
}

// Close flushes pending reports and releases every service.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Hub != nil {
		err = a.Hub.Close(ctx)
	}
	a.release()
	if err != nil {
		return fmt.Errorf("close report hub: %w", err)
	}
	return nil
}

func (a *App) release() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
