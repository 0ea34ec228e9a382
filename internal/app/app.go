// Package app builds the long-lived services from configuration and runs them
// together: the task scheduler and the status HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/transparent-crawler/internal/api"
	"github.com/JakeFAU/transparent-crawler/internal/clock/system"
	"github.com/JakeFAU/transparent-crawler/internal/config"
	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/id/uuid"
	"github.com/JakeFAU/transparent-crawler/internal/id/xorshift"
	"github.com/JakeFAU/transparent-crawler/internal/metrics"
	"github.com/JakeFAU/transparent-crawler/internal/module"
	"github.com/JakeFAU/transparent-crawler/internal/pricealert"
	"github.com/JakeFAU/transparent-crawler/internal/progress"
	"github.com/JakeFAU/transparent-crawler/internal/progress/sinks"
	"github.com/JakeFAU/transparent-crawler/internal/runner"
	"github.com/JakeFAU/transparent-crawler/internal/sandbox"
	"github.com/JakeFAU/transparent-crawler/internal/scheduler"
)

const shutdownTimeout = 10 * time.Second

// Options override process-wide collaborators, mainly for tests.
type Options struct {
	// Registerer receives the progress collectors (default prometheus.DefaultRegisterer).
	Registerer prometheus.Registerer
	// Launcher replaces the unsandboxed process launcher.
	Launcher sandbox.Launcher
	// Stores replaces the configured storage backends.
	Stores *Stores
	// Publisher replaces the configured alert publisher.
	Publisher crawler.AlertPublisher
}

// App holds the shared services for one process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	stores    *Stores
	registry  *module.Registry
	alerts    *pricealert.Service
	publisher crawler.AlertPublisher
	hub       *progress.Hub
	scheduler *scheduler.Scheduler
	server    *http.Server
}

// New creates and initializes the services described by cfg. It fails fast if
// any backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	stores := opts.Stores
	if stores == nil {
		if stores, err = OpenStores(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	defer func() {
		if err != nil && opts.Stores == nil {
			stores.Close()
		}
	}()

	registry := module.NewRegistry()
	if err := registry.Load(ctx, stores.Metadata, logger); err != nil {
		return nil, fmt.Errorf("load module registry: %w", err)
	}
	for _, m := range cfg.ModuleList() {
		registry.Add(m)
	}
	if err := registry.Save(ctx, stores.Metadata); err != nil {
		return nil, fmt.Errorf("save module registry: %w", err)
	}

	groups, err := xorshift.Load(ctx, stores.Metadata)
	if err != nil {
		return nil, fmt.Errorf("load group id generator: %w", err)
	}
	trigger, err := pricealert.LoadTrigger(ctx, stores.Metadata)
	if err != nil {
		return nil, fmt.Errorf("load price trigger: %w", err)
	}

	publisher := opts.Publisher
	if publisher == nil {
		if publisher, err = openPublisher(ctx, cfg.Alerts, logger); err != nil {
			return nil, err
		}
	}
	ids := uuid.New()
	alerts := pricealert.NewService(trigger, stores.History, publisher, ids, logger)

	launcher := opts.Launcher
	if launcher == nil {
		launcher = sandbox.NewNoSandbox(logger, cfg.Runner.Env...)
	}
	clock := system.New()
	run := runner.New(runner.Config{
		RequestInterval: cfg.Runner.RequestInterval,
		PollInterval:    cfg.Runner.PollInterval,
		ExitGrace:       cfg.Runner.ExitGrace,
		MaxDownload:     cfg.Runner.MaxDownloadBytes,
		UserAgent:       cfg.Runner.UserAgent,
	}, runner.Deps{
		Launcher: launcher,
		Products: stores.Products,
		Alerts:   alerts,
		Groups:   groups,
		HTTP:     &http.Client{Timeout: cfg.Runner.HTTPTimeout},
		Clock:    clock,
		IDs:      ids,
		Logger:   logger,
		LogDir:   cfg.LogDir,
	})

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		closePublisher(publisher, logger)
		return nil, err
	}
	hub := progress.NewHub(progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("tasks")), promSink)

	sched := scheduler.New(scheduler.Config{
		PoolSize:        cfg.Scheduler.PoolSize,
		ImageFetchDelay: cfg.Scheduler.ImageFetchDelay,
	}, scheduler.Deps{
		Store:   stores.Metadata,
		Modules: registry,
		Runner:  run,
		Clock:   clock,
		Events:  hub,
		Logger:  logger,
	})

	apiServer := api.NewServer(api.Deps{
		Scheduler: sched,
		Modules:   registry,
		Prices:    alerts,
		Clock:     clock,
		Logger:    logger.Named("api"),
		Ready:     stores.Ready,
	})

	return &App{
		cfg:       cfg,
		logger:    logger,
		stores:    stores,
		registry:  registry,
		alerts:    alerts,
		publisher: publisher,
		hub:       hub,
		scheduler: sched,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Scheduler returns the task scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Registry returns the module registry.
func (a *App) Registry() *module.Registry { return a.registry }

// Alerts returns the price alert service.
func (a *App) Alerts() *pricealert.Service { return a.alerts }

// Handler returns the status server's handler.
func (a *App) Handler() http.Handler { return a.server.Handler }

// Run recovers persisted tasks and serves until ctx is cancelled or either
// the scheduler or the HTTP server fails.
func (a *App) Run(ctx context.Context) error {
	n, err := a.scheduler.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}
	a.logger.Info("starting", zap.Int("recovered_tasks", n), zap.Int("modules", len(a.registry.All())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// Close flushes progress events and releases backends.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down application services")
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close failed", zap.Error(err))
	}
	closePublisher(a.publisher, a.logger)
	a.stores.Close()
}

func closePublisher(p crawler.AlertPublisher, logger *zap.Logger) {
	if err := p.Close(); err != nil {
		logger.Warn("alert publisher close failed", zap.Error(err))
	}
}
