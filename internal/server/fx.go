// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/api"
	rediscache "github.com/JakeFAU/harvester/internal/cache/redis"
	"github.com/JakeFAU/harvester/internal/clock/system"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/detector"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	"github.com/JakeFAU/harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/normalize"
	"github.com/JakeFAU/harvester/internal/policy/adaptive"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/proxypool"
	memorypublisher "github.com/JakeFAU/harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/harvester/internal/queue"
	queueMemory "github.com/JakeFAU/harvester/internal/queue/memory"
	queueRedis "github.com/JakeFAU/harvester/internal/queue/redis"
	gcsstorage "github.com/JakeFAU/harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/harvester/internal/storage/local"
	memoryStorage "github.com/JakeFAU/harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/harvester/internal/storage/postgres"
	"github.com/JakeFAU/harvester/internal/worker"
)

// memoryPublisherRetention bounds the events kept by the fallback publisher.
const memoryPublisherRetention = 1000

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	controller *adaptive.Controller
	proxies    *proxypool.Pool
	queue      crawler.WorkQueue

	redisClient     *redis.Client
	productStore    *pgstore.ProductStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	httpFetcher     *collyfetcher.Fetcher
	checks          []api.Check
}

// NewLogger builds the process logger from cfg and installs it globally.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("fetcher", cfg.Fetcher.Kind),
		zap.Int("proxies", len(cfg.Proxy.Endpoints)),
	)
	metrics.Init()

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	hasher := sha256.New()
	clock := system.New()

	var err error
	a.queue, err = setupQueue(a)
	if err != nil {
		return err
	}
	store, err := setupProductStore(ctx, a, hasher, clock)
	if err != nil {
		return err
	}
	archive, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	fetch, err := setupFetcher(a)
	if err != nil {
		return err
	}

	a.controller = adaptive.NewController(adaptive.Config{
		InitialLimit:   a.cfg.Rate.InitialLimit,
		MinLimit:       a.cfg.Rate.MinLimit,
		MaxLimit:       a.cfg.Rate.MaxLimit,
		HistoryWindow:  a.cfg.Rate.HistoryWindow,
		AdjustInterval: a.cfg.Rate.AdjustInterval,
		DecreaseAbove:  a.cfg.Rate.DecreaseAbove,
		IncreaseBelow:  a.cfg.Rate.IncreaseBelow,
	}, clock, a.logger.Named("rate"))

	deps := worker.Dependencies{
		Queue:      a.queue,
		Fetcher:    fetch,
		Normalizer: normalize.NewDefaultRegistry(a.cfg.Sites, a.logger.Named("normalize")),
		Store:      store,
		Health:     a.controller,
		Classifier: detector.NewClassifier(a.cfg.Fetcher.CaptchaMarkers),
		Retry: crawler.NewExponentialRetryPolicy(
			a.cfg.Retry.MaxAttempts, a.cfg.Retry.BaseDelay, a.cfg.Retry.MaxDelay,
		),
		Archive:   archive,
		Publisher: publisher,
		Hasher:    hasher,
		Clock:     clock,
		IDs:       uuid.New(),
	}
	if len(a.cfg.Proxy.Endpoints) > 0 {
		a.proxies = proxypool.New(proxypool.Config{
			Endpoints:       a.cfg.Proxy.Endpoints,
			HealthThreshold: a.cfg.Proxy.HealthThreshold,
			CooldownPeriod:  a.cfg.Proxy.CooldownPeriod,
		}, clock, a.logger.Named("proxypool"))
		deps.Proxies = a.proxies
	} else {
		a.logger.Warn("no proxy endpoints configured, fetching directly")
	}
	if pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Rate.PerHostRPS,
		DefaultBurst: a.cfg.Rate.PerHostBurst,
	}); pacer.Enabled() {
		deps.Pacer = pacer
		a.logger.Info("per-host pacing enabled",
			zap.Float64("rps", a.cfg.Rate.PerHostRPS),
			zap.Int("burst", a.cfg.Rate.PerHostBurst),
		)
	}
	if a.cfg.Cache.Enabled {
		deps.Cache = rediscache.New(a.redis(), a.cfg.Queue.Prefix, a.cfg.Cache.TTL)
		a.logger.Info("product cache enabled", zap.Duration("ttl", a.cfg.Cache.TTL))
	}

	w, err := worker.New(deps, worker.Config{
		FetchTimeout:  a.cfg.Fetcher.Timeout,
		Accept:        acceptHeader(a.cfg.Fetcher.Headers),
		ArchivePrefix: a.cfg.Storage.Prefix,
		Topic:         a.cfg.PubSub.TopicName,
	}, a.logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}

	a.dispatch = dispatcher.New(a.queue, a.controller, w, dispatcher.Config{
		PollInterval:    a.cfg.Queue.PollInterval,
		StaleTimeout:    a.cfg.Queue.StaleTimeout,
		ReclaimInterval: a.cfg.Queue.ReclaimInterval,
	}, a.logger.Named("dispatcher"))
	a.dispatch.AddSupervisor("rate_controller", a.controller.Run)

	var proxyStats dispatcher.ProxyStats
	var apiProxies api.ProxyStats
	if a.proxies != nil {
		proxyStats = a.proxies
		apiProxies = a.proxies
	}
	sampler := dispatcher.NewSampler(a.queue, proxyStats, a.controller, a.cfg.Metrics.SampleInterval, a.logger.Named("sampler"))
	a.dispatch.AddSupervisor("metrics_sampler", sampler.Run)

	a.apiServer = api.NewServer(api.Dependencies{
		Enqueuer: a.dispatch,
		Queue:    a.queue,
		Products: store,
		Proxies:  apiProxies,
		Rate:     a.controller,
		Checks:   a.checks,
	}, *a.cfg, a.logger.Named("api"))
	return nil
}

// acceptHeader finds the configured Accept value whatever case the key was
// loaded in; viper lowercases keys read from files but not defaults.
func acceptHeader(headers map[string]string) string {
	return fetcher.MergeHeaders(headers, nil).Get("Accept")
}

// Handler exposes the ops HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher and the ops server and blocks until ctx is
// canceled, a signal arrives or the server fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(gctx)
		a.logger.Info("dispatcher drained")
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	if err := a.Close(); err != nil {
		return err
	}
	return runErr
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

func (a *App) closeInfrastructure() {
	if a.httpFetcher != nil {
		a.httpFetcher.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
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
	if a.productStore != nil {
		a.productStore.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}

// redis lazily opens the shared client used by the queue and cache.
func (a *App) redis() *redis.Client {
	if a.redisClient == nil {
		a.redisClient = NewRedisClient(a.cfg)
		a.checks = append(a.checks, api.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return a.redisClient.Ping(ctx).Err() },
		})
		a.logger.Info("redis client initialized", zap.String("addr", a.cfg.Redis.Addr))
	}
	return a.redisClient
}

// NewRedisClient opens a client for the configured Redis server.
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func setupQueue(app *App) (crawler.WorkQueue, error) {
	opts := queue.Options{Dedupe: app.cfg.Queue.Dedupe}
	switch app.cfg.Queue.Backend {
	case "redis":
		app.logger.Info("using redis work queue", zap.String("prefix", app.cfg.Queue.Prefix))
		return queueRedis.New(app.redis(), app.cfg.Queue.Prefix, opts, system.New()), nil
	case "memory", "":
		app.logger.Info("using in-memory work queue")
		return queueMemory.NewQueue(opts, system.New()), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", app.cfg.Queue.Backend)
	}
}

// readableStore is a product store the ops API can also look products up in.
type readableStore interface {
	crawler.ProductStore
	api.ProductReader
}

func setupProductStore(
	ctx context.Context,
	app *App,
	hasher crawler.Hasher,
	clock crawler.Clock,
) (readableStore, error) {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping products in memory")
		return memoryStorage.NewProductStore(hasher, clock, app.cfg.Database.RefreshUnchanged), nil
	}
	store, err := OpenProductStore(ctx, app.cfg, hasher, clock, app.logger.Named("postgres"))
	if err != nil {
		return nil, err
	}
	app.productStore = store
	app.checks = append(app.checks, api.Check{Name: "postgres", Ping: store.Ping})
	app.logger.Info("product store initialized", zap.String("table", app.cfg.Database.Table))
	return store, nil
}

// OpenProductStore connects to Postgres with the configured retry policy.
func OpenProductStore(
	ctx context.Context,
	cfg *config.Config,
	hasher crawler.Hasher,
	clock crawler.Clock,
	logger *zap.Logger,
) (*pgstore.ProductStore, error) {
	pgCfg := pgstore.Config{
		DSN:              cfg.Database.DSN,
		Table:            cfg.Database.Table,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		ConnectAttempts:  cfg.Database.ConnectAttempts,
		ConnectDelay:     cfg.Database.ConnectDelay,
		RefreshUnchanged: cfg.Database.RefreshUnchanged,
	}
	pool, err := pgstore.Connect(ctx, pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("product store init failed: %w", err)
	}
	store, err := pgstore.NewProductStore(pool, pgCfg, hasher, clock)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("product store init failed: %w", err)
	}
	return store, nil
}

func setupArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case "gcs":
		app.logger.Info("using GCS archive backend", zap.String("bucket", app.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		app.logger.Info("using local archive backend", zap.String("path", app.cfg.Storage.Dir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Storage.Dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	case "memory":
		app.logger.Info("using in-memory archive backend")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("raw response archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memoryPublisherRetention), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupFetcher(app *App) (crawler.Fetcher, error) {
	fc := app.cfg.Fetcher
	switch fc.Kind {
	case "headless":
		f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       fc.Headless.MaxParallel,
			UserAgent:         fc.UserAgent,
			NavigationTimeout: fc.Timeout,
			DefaultHeaders:    fc.Headers,
			ExecPath:          fc.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("headless fetcher init failed: %w", err)
		}
		app.logger.Info("using headless fetcher", zap.Int("max_parallel", fc.Headless.MaxParallel))
		return f, nil
	case "http", "":
		app.httpFetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:      fc.UserAgent,
			Timeout:        fc.Timeout,
			DefaultHeaders: fc.Headers,
			MaxBodySize:    fc.MaxBodySize,
		})
		app.logger.Info("using colly fetcher", zap.String("user_agent", fc.UserAgent))
		return app.httpFetcher, nil
	default:
		return nil, fmt.Errorf("unknown fetcher kind %q", fc.Kind)
	}
}
