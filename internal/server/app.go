// Package server builds the harvester from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/review-harvester/internal/api"
	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/config"
	"github.com/JakeFAU/review-harvester/internal/dispatcher"
	"github.com/JakeFAU/review-harvester/internal/harvest"
	"github.com/JakeFAU/review-harvester/internal/hash/sha256"
	"github.com/JakeFAU/review-harvester/internal/id/uuid"
	"github.com/JakeFAU/review-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/review-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/review-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/review-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/review-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/review-harvester/internal/queue"
	"github.com/JakeFAU/review-harvester/internal/scrape"
	"github.com/JakeFAU/review-harvester/internal/session"
	badgerstore "github.com/JakeFAU/review-harvester/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/review-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/review-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/review-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/review-harvester/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/review-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/review-harvester/internal/telemetry"
	"github.com/JakeFAU/review-harvester/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    queue.Store
	sessions *session.Manager
	dispatch *dispatcher.Dispatcher
	hub      *progress.Hub
	api      *api.Server
	closers  []namedCloser

	terminateOnce sync.Once
	terminateCh   chan struct{}
}

type namedCloser struct {
	name  string
	close func() error
}

// Option customizes Build.
type Option func(*options)

type options struct {
	launcher   session.Launcher
	scraper    worker.Scraper
	registerer prometheus.Registerer
}

// WithLauncher replaces the headless Chrome launcher.
func WithLauncher(l session.Launcher) Option {
	return func(o *options) { o.launcher = l }
}

// WithScraper replaces the chromedp place scraper.
func WithScraper(s worker.Scraper) Option {
	return func(o *options) { o.scraper = s }
}

// WithRegisterer registers the queue metrics somewhere other than the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{cfg: cfg, logger: logger, terminateCh: make(chan struct{})}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	if _, _, err := telemetry.InitTelemetry(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		ProjectID:   cfg.Telemetry.ProjectID,
	}); err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	ids := uuid.New()
	clock := system.New()

	if err := app.setupStore(ctx, ids, clock); err != nil {
		app.closeAll()
		return nil, err
	}
	blobStore, err := app.setupBlobStore(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeAll()
		return nil, err
	}
	emitter, err := app.setupProgress(ctx, o.registerer)
	if err != nil {
		app.closeAll()
		return nil, err
	}

	launcher := o.launcher
	if launcher == nil {
		launcher = session.NewChromeLauncher(session.ChromeConfig{
			Headless:      cfg.Browser.Headless,
			Lang:          cfg.Browser.Lang,
			UserAgent:     cfg.Browser.UserAgent,
			LaunchTimeout: cfg.Browser.LaunchTimeout,
			ExecPath:      cfg.Browser.ExecPath,
		})
	}
	app.sessions = session.NewManager(launcher, logger.Named("session"))

	scraper := o.scraper
	if scraper == nil {
		scraper = scrape.New(scrape.Config{
			NavigationTimeout: cfg.Harvest.NavigationTimeout,
			NetworkIdle:       cfg.Harvest.NetworkIdle,
			SettleTimeout:     cfg.Harvest.SettleTimeout,
			Lang:              cfg.Browser.Lang,
			Harvest: harvest.Config{
				IdleWindow:      cfg.Harvest.IdleWindow,
				OpTimeout:       cfg.Harvest.OpTimeout,
				PollInterval:    cfg.Harvest.PollInterval,
				SkipFailedItems: cfg.Harvest.SkipFailedItems,
			},
		}, logger.Named("scrape"))
	}

	w, err := worker.New(worker.Deps{
		Browser:   app.sessions,
		Scraper:   scraper,
		BlobStore: blobStore,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
		}),
		Clock: clock,
	}, worker.Config{
		ContentType: cfg.Storage.ContentType,
		BlobPrefix:  cfg.Storage.Prefix,
		Topic:       cfg.PubSub.TopicName,
	}, logger.Named("worker"))
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	engine, err := queue.NewEngine(app.store, w, ids, clock, emitter, queue.Config{
		BatchSize:          cfg.Queue.BatchSize,
		Order:              cfg.QueueOrder(),
		MaxRetries:         cfg.Queue.MaxRetries,
		RetryDelay:         cfg.Queue.RetryDelay,
		BatchDelay:         cfg.Queue.BatchDelay,
		AfterProcessDelay:  cfg.Queue.AfterProcessDelay,
		StoreBackoff:       cfg.Queue.StoreBackoff,
		LeaseRenewInterval: cfg.Queue.LeaseRenewInterval,
		Retry:              cfg.RetryPolicy(),
	}, logger.Named("queue"))
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("queue engine init failed: %w", err)
	}

	app.dispatch, err = dispatcher.New(engine, app.store, clock, dispatcher.Config{
		LeaseTimeout:  cfg.Queue.LeaseTimeout,
		SweepInterval: cfg.Queue.SweepInterval,
	}, logger.Named("dispatcher"))
	if err != nil {
		app.closeAll()
		return nil, fmt.Errorf("dispatcher init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.api = api.NewServer(app.dispatch, app.sessions, app.Terminate, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger.Named("api"))
	return app, nil
}

func (a *App) setupStore(ctx context.Context, ids queue.IDGenerator, clock queue.Clock) error {
	switch a.cfg.Queue.Backend {
	case "sqlite":
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        a.cfg.SQLite.Path,
			BusyTimeout: a.cfg.SQLite.BusyTimeout,
		}, ids, clock)
		if err != nil {
			return fmt.Errorf("sqlite task store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using sqlite task store", zap.String("path", a.cfg.SQLite.Path))
	case "badger":
		store, err := badgerstore.Open(badgerstore.Config{
			Path:     a.cfg.Badger.Path,
			InMemory: a.cfg.Badger.InMemory,
		}, ids, clock)
		if err != nil {
			return fmt.Errorf("badger task store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using badger task store", zap.String("path", a.cfg.Badger.Path), zap.Bool("in_memory", a.cfg.Badger.InMemory))
	case "postgres":
		store, err := pgstore.Open(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
			Migrate:         a.cfg.Database.Migrate,
		}, ids, clock, a.logger.Named("postgres"))
		if err != nil {
			return fmt.Errorf("postgres task store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres task store")
	default:
		a.store = memorystorage.NewTaskStore(ids, clock)
		a.logger.Warn("using in-memory task store, tasks will not survive a restart")
	}
	a.closers = append(a.closers, namedCloser{name: "task store", close: a.store.Close})
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) (worker.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs client", close: store.Close})
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return store, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (worker.Publisher, error) {
	if !a.cfg.PubSub.Enabled {
		a.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		Topic:     a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub publisher", close: pub.Close})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinks := []progress.Sink{promSink}
	if a.cfg.Progress.LogEvents {
		sinks = append(sinks, progresssinks.NewLogSink(a.logger.Named("jobs")))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return a.hub, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Dispatcher returns the queue front end.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Sessions returns the browser session manager.
func (a *App) Sessions() *session.Manager {
	return a.sessions
}

// Terminate asks Run to shut down.
func (a *App) Terminate() {
	a.terminateOnce.Do(func() { close(a.terminateCh) })
}

// Run serves HTTP and processes the queue until the context is canceled, a
// termination signal arrives or Terminate is called.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.terminateCh:
			a.logger.Warn("process is being terminated")
			cancel()
		case <-ctx.Done():
		}
	}()

	if a.cfg.Browser.AutoStart {
		if _, err := a.sessions.Open(ctx); err != nil {
			a.logger.Error("browser auto start failed", zap.Error(err))
		} else {
			telemetry.SetBrowserOpen(true)
		}
	}

	dispatchDone := make(chan error, 1)
	go func() {
		a.logger.Info("dispatcher started")
		dispatchDone <- a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-dispatchDone
	case runErr = <-dispatchDone:
		cancel()
	}
	if runErr != nil {
		a.logger.Error("dispatcher stopped", zap.Error(runErr))
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close releases every resource Build acquired.
func (a *App) Close(ctx context.Context) error {
	if a.sessions != nil {
		if _, err := a.sessions.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
		telemetry.SetBrowserOpen(false)
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	err := a.closeAll()
	if tErr := telemetry.Shutdown(ctx); tErr != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(tErr))
	}
	a.logger.Info("shutdown complete")
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn(c.name+" close failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
