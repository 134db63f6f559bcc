// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/congreso-crawler/internal/api"
	"github.com/JakeFAU/congreso-crawler/internal/browser/headless"
	"github.com/JakeFAU/congreso-crawler/internal/browser/static"
	"github.com/JakeFAU/congreso-crawler/internal/config"
	"github.com/JakeFAU/congreso-crawler/internal/crawler"
	"github.com/JakeFAU/congreso-crawler/internal/events"
	"github.com/JakeFAU/congreso-crawler/internal/events/sinks"
	"github.com/JakeFAU/congreso-crawler/internal/logging"
	"github.com/JakeFAU/congreso-crawler/internal/reconcile"
	"github.com/JakeFAU/congreso-crawler/internal/scheduler"
	"github.com/JakeFAU/congreso-crawler/internal/service"
	"github.com/JakeFAU/congreso-crawler/internal/source/group"
	"github.com/JakeFAU/congreso-crawler/internal/source/legislature"
	"github.com/JakeFAU/congreso-crawler/internal/source/person"
	"github.com/JakeFAU/congreso-crawler/internal/store"
	gcsstore "github.com/JakeFAU/congreso-crawler/internal/store/gcs"
	localstore "github.com/JakeFAU/congreso-crawler/internal/store/local"
	memorystore "github.com/JakeFAU/congreso-crawler/internal/store/memory"
	mongostore "github.com/JakeFAU/congreso-crawler/internal/store/mongo"
	"github.com/JakeFAU/congreso-crawler/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer    *api.Server
	hub          *events.Hub
	sources      map[string]*service.Source
	persons      *reconcile.Reconciler[person.Person]
	legislatures legislature.Store
	groups       *group.Client

	headless     *headless.Browser
	static       *static.Browser
	storage      *storage.Client
	mongo        *mongostore.Backend
	pgStore      *legislature.PostgresStore
	pubsubClient *pubsub.Client
	tracer       *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build creates the application's dependencies. reg receives the event
// metrics; nil means the default Prometheus registerer.
func Build(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	app := &App{cfg: cfg, logger: logger, sources: make(map[string]*service.Source)}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("current_legislature", cfg.Reconcile.CurrentLegislature))

	if err := app.build(ctx, reg); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.closeInfrastructure(closeCtx)
		app.closeObservability(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, reg prometheus.Registerer) error {
	if a.cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{SampleRatio: a.cfg.Tracing.SampleRatio})
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracer = tp
	}

	backend, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}

	a.persons, err = reconcile.New[person.Person](
		store.New(store.WithPrefix(backend, person.Source)),
		reconcile.Config{
			Source:             person.Source,
			CurrentLegislature: a.cfg.Reconcile.CurrentLegislature,
			Logger:             a.logger,
		},
	)
	if err != nil {
		return fmt.Errorf("reconciler init failed: %w", err)
	}

	sinkList, err := a.setupSinks(ctx, reg)
	if err != nil {
		return err
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:  a.cfg.Events.BufferSize,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("event_hub"),
	}, sinkList...)

	a.static = static.New(static.Config{
		UserAgent: a.cfg.Browser.UserAgent,
		Timeout:   a.cfg.Browser.NavigationTimeout,
	})
	a.headless, err = headless.New(headless.Config{
		Headless:          a.cfg.Browser.Headless,
		UserAgent:         a.cfg.Browser.UserAgent,
		ExecPath:          a.cfg.Browser.ExecPath,
		NavigationTimeout: a.cfg.Browser.NavigationTimeout,
		Logger:            a.logger,
	})
	if err != nil {
		return fmt.Errorf("headless browser init failed: %w", err)
	}

	if err := a.setupSources(); err != nil {
		return err
	}

	a.groups, err = group.New(group.Config{Endpoint: a.cfg.Groups.Endpoint, Timeout: a.cfg.Groups.Timeout})
	if err != nil {
		return fmt.Errorf("group client init failed: %w", err)
	}

	deps := api.Deps{
		Sources:            make(map[string]api.Source, len(a.sources)),
		Persons:            a.persons,
		Groups:             a.groups,
		Legislatures:       a.legislatures,
		CurrentLegislature: a.cfg.Reconcile.CurrentLegislature,
		Ready:              a.ready,
		Logger:             a.logger.Named("api"),
	}
	for name, src := range a.sources {
		deps.Sources[name] = src
	}
	a.apiServer = api.NewServer(deps)
	return nil
}

func (a *App) setupStorage(ctx context.Context) (store.Backend, error) {
	var (
		backend store.Backend
		err     error
	)
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		backend, err = gcsstore.New(a.storage, gcsstore.Config{
			Bucket: a.cfg.Storage.GCS.Bucket,
			Prefix: a.cfg.Storage.GCS.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs record store init failed: %w", err)
		}
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		backend, err = localstore.New(localstore.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local record store init failed: %w", err)
		}
	case "mongo":
		a.logger.Info("using MongoDB storage backend",
			zap.String("database", a.cfg.Storage.Mongo.Database),
			zap.String("collection", a.cfg.Storage.Mongo.Collection))
		a.mongo, err = mongostore.Connect(ctx, mongostore.Config{
			URI:        a.cfg.Storage.Mongo.URI,
			Database:   a.cfg.Storage.Mongo.Database,
			Collection: a.cfg.Storage.Mongo.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("mongo record store init failed: %w", err)
		}
		backend = a.mongo
	default:
		a.logger.Info("using in-memory storage backend")
		backend = memorystore.New()
	}

	if a.cfg.Storage.CacheSize > 0 {
		cached, err := store.NewCached(backend, a.cfg.Storage.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("record cache init failed: %w", err)
		}
		a.logger.Debug("record cache enabled", zap.Int("size", a.cfg.Storage.CacheSize))
		backend = cached
	}
	return backend, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("No DSN specified for database, keeping legislatures in memory")
		a.legislatures = legislature.NewMemoryStore()
		return nil
	}
	pg, err := legislature.NewPostgresStore(ctx, legislature.PostgresConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.LegislatureTable,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("legislature store init failed: %w", err)
	}
	a.pgStore = pg
	if err := pg.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("legislature schema init failed: %w", err)
	}
	a.legislatures = pg
	a.logger.Info("legislature store initialized", zap.String("table", a.cfg.Database.LegislatureTable))
	return nil
}

func (a *App) setupSinks(ctx context.Context, reg prometheus.Registerer) ([]events.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []events.Sink{
		promSink,
		a.persons.Sink(8),
		legislature.NewSink(a.legislatures, a.logger.Named("legislature_sink")),
	}
	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("event_log")))
		a.logger.Debug("Added event log sink")
	}

	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("No Pub/Sub topic configured, events stay in process")
		return sinkList, nil
	}
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	pubsubSink, err := sinks.NewPubSubSink(a.pubsubClient.Topic(a.cfg.PubSub.TopicName))
	if err != nil {
		return nil, fmt.Errorf("pubsub sink init failed: %w", err)
	}
	a.logger.Info("Pub/Sub sink initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	return append(sinkList, pubsubSink), nil
}

func (a *App) setupSources() error {
	personRouter, err := person.NewRouter(person.Config{CurrentLegislature: a.cfg.Reconcile.CurrentLegislature})
	if err != nil {
		return fmt.Errorf("person router: %w", err)
	}
	if err := a.addSource(person.Source, a.cfg.Sources.Person, personRouter, a.persons); err != nil {
		return err
	}

	legislatureRouter, err := legislature.NewRouter()
	if err != nil {
		return fmt.Errorf("legislature router: %w", err)
	}
	return a.addSource(legislature.Source, a.cfg.Sources.Legislature, legislatureRouter, nil)
}

func (a *App) addSource(name string, cfg config.SourceConfig, router *crawler.Router, seeder service.Seeder) error {
	if !cfg.Enabled {
		a.logger.Info("source disabled", zap.String("source", name))
		return nil
	}
	var browser crawler.Browser = a.headless
	if cfg.Renderer == config.RendererStatic {
		browser = a.static
	}
	session, err := crawler.NewSession(router, browser, crawler.Options{
		Source:               name,
		MaxConcurrency:       cfg.MaxConcurrency,
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		SameDomainDelay:      cfg.SameDomainDelay,
		Emitter:              a.hub,
		Logger:               a.logger,
	})
	if err != nil {
		return fmt.Errorf("%s session: %w", name, err)
	}
	srcCfg := service.Config{
		Name: name,
		Seed: crawler.Request{URL: cfg.SeedURL},
		Schedule: &scheduler.Config{
			Name:        name,
			Schedule:    cfg.Schedule,
			Concurrency: cfg.Concurrency,
			Timezone:    cfg.Timezone,
		},
		Logger: a.logger,
	}
	if seeder != nil {
		srcCfg.Seeder = seeder
	}
	src, err := service.New(srcCfg, session)
	if err != nil {
		return err
	}
	a.sources[name] = src
	a.logger.Info("source configured",
		zap.String("source", name),
		zap.String("renderer", cfg.Renderer),
		zap.String("schedule", cfg.Schedule),
		zap.Int("max_requests_per_minute", cfg.MaxRequestsPerMinute))
	return nil
}

func (a *App) ready(ctx context.Context) error {
	if a.pgStore != nil {
		if _, err := a.pgStore.List(ctx); err != nil {
			return fmt.Errorf("legislature store: %w", err)
		}
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Source returns the named crawl source.
func (a *App) Source(name string) (*service.Source, bool) {
	src, ok := a.sources[name]
	return src, ok
}

// SourceNames lists the enabled sources.
func (a *App) SourceNames() []string {
	names := make([]string, 0, len(a.sources))
	for name := range a.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start seeds every source and starts their schedules.
func (a *App) Start(ctx context.Context) error {
	for _, name := range a.SourceNames() {
		if err := a.sources[name].Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the sources and the HTTP server and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("application started", zap.Strings("sources", a.SourceNames()))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the sources and releases every client. It drains the event
// hub before closing the stores the sinks write to.
// It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		for _, name := range a.SourceNames() {
			if err := a.sources[name].Stop(ctx); err != nil {
				a.logger.Warn("source stop failed", zap.String("source", name), zap.Error(err))
			}
		}
		a.closeInfrastructure(ctx)
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

// Crawl seeds the named source and crawls from url in the foreground.
func (a *App) Crawl(ctx context.Context, name, url, label string) error {
	src, ok := a.sources[name]
	if !ok {
		return fmt.Errorf("unknown source %q (enabled: %v)", name, a.SourceNames())
	}
	if err := src.Seed(ctx); err != nil {
		return err
	}
	a.logger.Info("crawl started from command line",
		zap.String("source", name), zap.String("url", url), zap.String("label", label))
	return src.Run(ctx, url, label)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		if err := a.headless.Close(); err != nil {
			a.logger.Warn("headless browser close failed", zap.Error(err))
		}
	}
	if a.static != nil {
		if err := a.static.Close(); err != nil {
			a.logger.Warn("static browser close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Close(ctx); err != nil {
			a.logger.Warn("mongo client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
