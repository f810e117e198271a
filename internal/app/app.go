// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the serve command.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/api"
	"github.com/JakeFAU/media-fetcher/internal/clock/system"
	"github.com/JakeFAU/media-fetcher/internal/config"
	"github.com/JakeFAU/media-fetcher/internal/contentstore"
	"github.com/JakeFAU/media-fetcher/internal/dispatcher"
	"github.com/JakeFAU/media-fetcher/internal/fetch"
	"github.com/JakeFAU/media-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/media-fetcher/internal/id/uuid"
	"github.com/JakeFAU/media-fetcher/internal/lock"
	"github.com/JakeFAU/media-fetcher/internal/logging"
	"github.com/JakeFAU/media-fetcher/internal/maintenance"
	"github.com/JakeFAU/media-fetcher/internal/media"
	"github.com/JakeFAU/media-fetcher/internal/metrics"
	"github.com/JakeFAU/media-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/media-fetcher/internal/progress"
	"github.com/JakeFAU/media-fetcher/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/media-fetcher/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/media-fetcher/internal/publisher/pubsub"
	"github.com/JakeFAU/media-fetcher/internal/scheduler"
	"github.com/JakeFAU/media-fetcher/internal/storage/local"
	"github.com/JakeFAU/media-fetcher/internal/storage/memory"
	"github.com/JakeFAU/media-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/media-fetcher/internal/telemetry"
	"github.com/JakeFAU/media-fetcher/internal/worker"
)

const serviceName = "mediafetcher"

// Options overrides collaborators that are awkward to build in tests.
type Options struct {
	// FS defaults to the OS filesystem.
	FS afero.Fs
	// Engine defaults to yt-dlp.
	Engine fetch.Engine
	// Registerer defaults to the global Prometheus registry.
	Registerer prometheus.Registerer
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	Dispatcher *dispatcher.Dispatcher
	Scheduler  *scheduler.Scheduler
	Cleaner    *maintenance.Cleaner
	Server     *api.Server
	Users      *local.Store

	pool      *pgxpool.Pool
	hub       *progress.Hub
	publisher interface{ Close() error }
	tracing   func(context.Context) error
}

type stores struct {
	jobs     media.JobStore
	tasks    media.TaskStore
	registry media.ContentRegistry
}

// New creates and initializes the application services from cfg. It fails
// fast if any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Engine == nil {
		opts.Engine = fetch.NewYTDLPEngine(cfg.Fetch.BinaryPath, cfg.Fetch.ProgressInterval)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	logger.Info("initializing application services", zap.String("backend", cfg.Storage.Backend))
	st, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	users, err := local.New(opts.FS, local.Config{Root: cfg.Storage.DataDir}, logger.Named("users"))
	if err != nil {
		return nil, fmt.Errorf("init data directory: %w", err)
	}
	a.Users = users

	clock := system.New()
	ids := uuid.New()

	hub, err := a.buildHub(ctx, opts.Registerer)
	if err != nil {
		return nil, err
	}
	a.hub = hub

	content, err := contentstore.New(opts.FS, contentstore.Config{
		Root: cfg.ContentRoot(),
		Policy: contentstore.Policy{
			LockWait:           cfg.Dedup.LockWait,
			RecheckDelay:       cfg.Dedup.RecheckDelay,
			SecondWait:         cfg.Dedup.SecondWait,
			ProceedWithoutLock: cfg.Dedup.ProceedWithoutLock,
		},
	}, st.registry, lock.NewTable(), sha256.New(), clock, logger.Named("content"))
	if err != nil {
		return nil, fmt.Errorf("init content store: %w", err)
	}

	fetcher, err := fetch.NewFetcher(opts.Engine, opts.FS, fetch.Config{
		DownloadTimeout: cfg.Fetch.DownloadTimeout,
		StallTimeout:    cfg.Fetch.StallTimeout,
	}, logger.Named("fetch"))
	if err != nil {
		return nil, fmt.Errorf("init fetcher: %w", err)
	}

	runner, err := worker.New(worker.Deps{
		Jobs:    st.jobs,
		Configs: users,
		Lists:   users,
		Users:   users,
		Content: content,
		Fetcher: fetcher,
		Limiter: ratelimit.New(ratelimit.Config{PerHostRPS: cfg.RateLimit.PerHostRPS, Burst: cfg.RateLimit.Burst}),
		Emitter: hub,
		JobLogs: logging.NewJobLogs(logging.JobLogConfig{
			MaxSizeMB:  cfg.Logging.JobLogMaxSizeMB,
			MaxBackups: cfg.Logging.JobLogMaxBackups,
		}),
		FS:    opts.FS,
		Clock: clock,
	}, worker.Config{DedupEnabled: cfg.Dedup.Enabled}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("init worker: %w", err)
	}

	a.Dispatcher = dispatcher.New(dispatcher.Config{MaxConcurrentJobs: cfg.Engine.MaxConcurrentJobs},
		st.jobs, users, runner, ids, clock, logger.Named("dispatcher"))
	a.Cleaner = maintenance.New(opts.FS, users, clock, logger.Named("cleanup"))
	a.Scheduler = scheduler.New(st.tasks, a.Dispatcher, a.Cleaner, clock, scheduler.Config{
		Interval:           cfg.Scheduler.Interval,
		DefaultCleanupDays: cfg.Cleanup.DefaultDays,
	}, logger.Named("scheduler"))
	a.Server = api.NewServer(a.Dispatcher, st.tasks, a.Scheduler, users, ids, clock, cfg, logger.Named("api"))
	if a.pool != nil {
		a.Server.SetReadinessCheck(a.pool.Ping)
	}

	logger.Info("application services initialized")
	ok = true
	return a, nil
}

func (a *App) openStores(ctx context.Context) (stores, error) {
	if a.cfg.Storage.Backend != config.BackendPostgres {
		a.logger.Warn("using in-memory stores; job history is lost on restart")
		return stores{
			jobs:     memory.NewJobStore(),
			tasks:    memory.NewTaskStore(),
			registry: memory.NewContentRegistry(),
		}, nil
	}

	a.logger.Info("connecting to PostgreSQL")
	pool, err := postgres.Open(ctx, postgres.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return stores{}, fmt.Errorf("open database: %w", err)
	}
	a.pool = pool
	if err := postgres.Migrate(ctx, pool); err != nil {
		return stores{}, fmt.Errorf("migrate database: %w", err)
	}

	jobs, err := postgres.NewJobStore(pool)
	if err != nil {
		return stores{}, fmt.Errorf("init job store: %w", err)
	}
	tasks, err := postgres.NewTaskStore(pool)
	if err != nil {
		return stores{}, fmt.Errorf("init task store: %w", err)
	}
	registry, err := postgres.NewContentRegistry(pool)
	if err != nil {
		return stores{}, fmt.Errorf("init content registry: %w", err)
	}
	return stores{jobs: jobs, tasks: tasks, registry: registry}, nil
}

func (a *App) buildHub(ctx context.Context, reg prometheus.Registerer) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}

	var pub media.Publisher
	if a.cfg.PubSub.ProjectID != "" && a.cfg.PubSub.TopicName != "" {
		shutdown, err := telemetry.InitTracerProvider(ctx, serviceName)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracing = shutdown

		a.logger.Info("connecting to Pub/Sub", zap.String("topic", a.cfg.PubSub.TopicName))
		p, err := pubsubpublisher.Dial(ctx, pubsubpublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicName: a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.publisher = p
		pub = p
	} else {
		pub = memorypublisher.New()
	}

	return progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("events")),
		promSink,
		sinks.NewPublishSink(pub, a.cfg.PubSub.TopicName, a.logger.Named("notify")),
	), nil
}

// Start recovers state left by a previous process, then runs the scheduler
// and the HTTP server until ctx ends. It returns after both have stopped.
func (a *App) Start(ctx context.Context) error {
	recovered, err := a.Dispatcher.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if recovered > 0 {
		a.logger.Warn("marked interrupted jobs as failed", zap.Int("count", recovered))
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if !a.cfg.Scheduler.Enabled {
			return
		}
		a.Scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}

// Close gracefully shuts down all services in the App container. Running
// jobs are interrupted and recorded as failed.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down application services")
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Shutdown(ctx); err != nil {
			a.logger.Warn("dispatcher shutdown incomplete", zap.Error(err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("error closing pubsub client", zap.Error(err))
		}
	}
	if a.tracing != nil {
		if err := a.tracing(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
