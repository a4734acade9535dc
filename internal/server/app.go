// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/serpqueue/internal/api"
	"github.com/JakeFAU/serpqueue/internal/clock/system"
	"github.com/JakeFAU/serpqueue/internal/config"
	"github.com/JakeFAU/serpqueue/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/serpqueue/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/serpqueue/internal/fetcher/headless"
	"github.com/JakeFAU/serpqueue/internal/hash/sha256"
	"github.com/JakeFAU/serpqueue/internal/id/uuid"
	"github.com/JakeFAU/serpqueue/internal/metrics"
	"github.com/JakeFAU/serpqueue/internal/policy/ratelimit"
	"github.com/JakeFAU/serpqueue/internal/policy/simple"
	"github.com/JakeFAU/serpqueue/internal/progress"
	progresssinks "github.com/JakeFAU/serpqueue/internal/progress/sinks"
	amqppublisher "github.com/JakeFAU/serpqueue/internal/publisher/amqp"
	memorypublisher "github.com/JakeFAU/serpqueue/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/serpqueue/internal/publisher/pubsub"
	"github.com/JakeFAU/serpqueue/internal/queue"
	queuememory "github.com/JakeFAU/serpqueue/internal/queue/memory"
	queuepg "github.com/JakeFAU/serpqueue/internal/queue/postgres"
	queueredis "github.com/JakeFAU/serpqueue/internal/queue/redis"
	"github.com/JakeFAU/serpqueue/internal/search"
	"github.com/JakeFAU/serpqueue/internal/service"
	gcsstorage "github.com/JakeFAU/serpqueue/internal/storage/gcs"
	localstorage "github.com/JakeFAU/serpqueue/internal/storage/local"
	memorystorage "github.com/JakeFAU/serpqueue/internal/storage/memory"
	pgstore "github.com/JakeFAU/serpqueue/internal/storage/postgres"
	"github.com/JakeFAU/serpqueue/internal/telemetry"
	"github.com/JakeFAU/serpqueue/internal/worker"
)

const readHeaderTimeout = 5 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	service     *service.Service
	progressHub *progress.Hub
	broadcaster *progresssinks.Broadcaster

	pool          *pgxpool.Pool
	redisClient   *goredis.Client
	gcsClient     *storage.Client
	fetcherCloser func()
	pubCloser     func() error

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies. On error, everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, version string) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("fetcher", cfg.Fetcher.Backend),
		zap.Int("workers", cfg.Worker.Concurrency),
	)

	app.tracerShutdown, err = telemetry.InitTracing(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		ProjectID:   cfg.Tracing.ProjectID,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	clock := system.New()
	store, err := setupStore(ctx, app, clock)
	if err != nil {
		return nil, err
	}
	backend, err := setupQueueBackend(ctx, app)
	if err != nil {
		return nil, err
	}
	q := queue.New(backend, store, clock, queue.Config{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseDelay:    cfg.Queue.BaseDelay,
		MaxDelay:     cfg.Queue.MaxDelay,
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.Lease,
	}, logger.Named("queue"))

	fetcher, provider, err := setupFetcher(app)
	if err != nil {
		return nil, err
	}
	blobStore, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(app)
	if err != nil {
		return nil, err
	}

	app.dispatch = setupWorkers(app, q, store, fetcher, provider, blobStore, publisher, emitter)
	app.service = service.New(store, q, emitter, clock, service.Config{
		MaxQueries:     cfg.Requests.MaxQueries,
		MaxQueryLength: cfg.Requests.MaxQueryLength,
	}, logger.Named("service"))

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(app.service, app.broadcaster, app.readinessChecks(), api.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		APIKey:         apiKey,
		KeepAlive:      cfg.Server.EventKeepAlive,
	}, logger.Named("api"))

	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run resumes pending work, starts the workers and the HTTP server, and
// blocks until ctx is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resumed, err := a.service.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume pending searches: %w", err)
	}
	a.logger.Info("resumed pending searches", zap.Int("count", resumed))

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	// Event streams end when the broadcaster closes; close it first so
	// Shutdown is not held open by long-lived SSE connections.
	if a.broadcaster != nil {
		_ = a.broadcaster.Close(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before shutdown deadline")
	}
	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.fetcherCloser != nil {
		a.fetcherCloser()
	}
	if a.pubCloser != nil {
		if err := a.pubCloser(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) readinessChecks() map[string]api.Check {
	checks := map[string]api.Check{}
	if a.pool != nil {
		checks["postgres"] = func(ctx context.Context) error { return a.pool.Ping(ctx) }
	}
	if a.redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redisClient.Ping(ctx).Err() }
	}
	return checks
}

func openPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	return pool, nil
}

func setupStore(ctx context.Context, app *App, clock search.Clock) (search.JobStore, error) {
	if app.cfg.NeedsPostgres() {
		pool, err := openPool(ctx, app.cfg)
		if err != nil {
			return nil, err
		}
		app.pool = pool
	}
	if app.cfg.Store.Backend != "postgres" {
		app.logger.Info("using in-memory search store")
		return memorystorage.NewSearchStore(uuid.New(), clock), nil
	}
	if app.cfg.DB.AutoMigrate {
		if err := pgstore.EnsureSchema(ctx, app.pool); err != nil {
			return nil, fmt.Errorf("search schema: %w", err)
		}
	}
	store, err := pgstore.NewSearchStore(app.pool, uuid.New(), clock)
	if err != nil {
		return nil, fmt.Errorf("search store init failed: %w", err)
	}
	app.logger.Info("using postgres search store")
	return store, nil
}

func setupQueueBackend(ctx context.Context, app *App) (queue.Backend, error) {
	switch app.cfg.Queue.Backend {
	case "postgres":
		backend, err := queuepg.NewBackend(app.pool, app.cfg.Queue.Table)
		if err != nil {
			return nil, fmt.Errorf("postgres queue init failed: %w", err)
		}
		if app.cfg.DB.AutoMigrate {
			if err := backend.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("queue schema: %w", err)
			}
		}
		app.logger.Info("using postgres queue", zap.String("table", app.cfg.Queue.Table))
		return backend, nil
	case "redis":
		client, err := queueredis.NewClient(ctx, queueredis.Config{
			Addr:     app.cfg.Redis.Addr,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		app.redisClient = client
		backend, err := queueredis.NewBackend(client, app.cfg.Queue.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		app.logger.Info("using redis queue", zap.String("addr", app.cfg.Redis.Addr))
		return backend, nil
	default:
		app.logger.Info("using in-memory queue")
		return queuememory.NewBackend(), nil
	}
}

// setupFetcher returns the fetcher and the provider key used for rate
// limiting and metrics.
func setupFetcher(app *App) (search.Fetcher, string, error) {
	fc := app.cfg.Fetcher
	if fc.Backend == "colly" {
		f, err := collyfetcher.New(collyfetcher.Config{
			SearchURL:      fc.SearchURL,
			ResultSelector: fc.ResultSelector,
			UserAgent:      fc.UserAgent,
			Timeout:        fc.NavigationTimeout,
			MaxResults:     fc.MaxResults,
		})
		if err != nil {
			return nil, "", fmt.Errorf("colly fetcher init failed: %w", err)
		}
		app.logger.Info("using colly fetcher")
		return f, providerKey(fc.SearchURL, collyfetcher.DefaultSearchURL), nil
	}

	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		SearchURL:         fc.SearchURL,
		ResultSelector:    fc.ResultSelector,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: fc.NavigationTimeout,
		ExecPath:          fc.ExecPath,
		MaxResults:        fc.MaxResults,
	}, app.logger.Named("fetcher"))
	if err != nil {
		return nil, "", fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.fetcherCloser = f.Close
	app.logger.Info("using headless fetcher", zap.Duration("navigation_timeout", fc.NavigationTimeout))
	return f, providerKey(fc.SearchURL, headlessfetcher.DefaultSearchURL), nil
}

func providerKey(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func setupStorage(ctx context.Context, app *App) (search.BlobStore, error) {
	sc := app.cfg.Storage
	switch sc.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: sc.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving snapshots to gcs", zap.String("bucket", sc.GCSBucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: sc.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving snapshots locally", zap.String("dir", sc.LocalDir))
		return store, nil
	case "memory":
		app.logger.Info("archiving snapshots in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("snapshot archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (search.Publisher, error) {
	pc := app.cfg.Publisher
	switch pc.Backend {
	case "pubsub":
		p, err := gcppublisher.New(ctx, pc.PubSubProject, map[string]string{
			pc.CompletedTopic: pc.CompletedTopic,
			pc.FailedTopic:    pc.FailedTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		app.pubCloser = p.Close
		app.logger.Info("publishing notifications to pubsub", zap.String("project", pc.PubSubProject))
		return p, nil
	case "amqp":
		p, err := amqppublisher.New(amqppublisher.Config{URL: pc.AMQPURL, Exchange: pc.AMQPExchange})
		if err != nil {
			return nil, fmt.Errorf("amqp publisher init failed: %w", err)
		}
		app.pubCloser = p.Close
		app.logger.Info("publishing notifications to amqp", zap.String("exchange", pc.AMQPExchange))
		return p, nil
	case "memory":
		app.logger.Info("publishing notifications in memory")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("notification publishing disabled")
		return nil, nil
	}
}

func setupProgress(app *App) (progress.Emitter, error) {
	pc := app.cfg.Progress
	app.broadcaster = progresssinks.NewBroadcaster(pc.SubscriberBuffer, app.logger.Named("events"))
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{app.broadcaster, promSink}
	if pc.LogEvents {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	hubCfg := progress.Config{
		BufferSize:     pc.BufferSize,
		MaxBatchEvents: pc.MaxBatchEvents,
		MaxBatchWait:   pc.MaxBatchWait,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

func setupWorkers(
	app *App,
	q *queue.Queue,
	store search.JobStore,
	fetcher search.Fetcher,
	provider string,
	blobStore search.BlobStore,
	publisher search.Publisher,
	emitter progress.Emitter,
) *dispatcher.Dispatcher {
	var limiter search.Limiter
	if app.cfg.RateLimit.RPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: app.cfg.RateLimit.RPS, Burst: app.cfg.RateLimit.Burst})
		app.logger.Info("rate limiter enabled",
			zap.Float64("rps", app.cfg.RateLimit.RPS),
			zap.Int("burst", app.cfg.RateLimit.Burst),
		)
	} else {
		limiter = simple.New()
		app.logger.Info("rate limiter disabled, using simple policy")
	}
	workerCfg := worker.Config{
		FetchTimeout:   app.cfg.Worker.FetchTimeout,
		ErrorBackoff:   app.cfg.Worker.ErrorBackoff,
		Provider:       provider,
		BlobPrefix:     app.cfg.Storage.Prefix,
		ContentType:    app.cfg.Storage.ContentType,
		CompletedTopic: app.cfg.Publisher.CompletedTopic,
		FailedTopic:    app.cfg.Publisher.FailedTopic,
	}
	opts := []worker.Option{worker.WithLimiter(limiter), worker.WithEmitter(emitter)}
	if blobStore != nil {
		opts = append(opts, worker.WithBlobStore(blobStore, sha256.New()))
	}
	if publisher != nil {
		opts = append(opts, worker.WithPublisher(publisher))
	}
	return dispatcher.NewPool(app.cfg.Worker.Concurrency, func(i int) dispatcher.Runner {
		return worker.New(q, store, fetcher, workerCfg, app.logger.Named("worker").With(zap.Int("index", i)), opts...)
	}, app.logger.Named("dispatcher"))
}

// InitSchema applies the Postgres schemas for the configured backends.
func InitSchema(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if !cfg.NeedsPostgres() {
		return fmt.Errorf("no postgres backend configured; set store.backend or queue.backend to postgres")
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Store.Backend == "postgres" {
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("search schema: %w", err)
		}
		logger.Info("search schema applied")
	}
	if cfg.Queue.Backend == "postgres" {
		backend, err := queuepg.NewBackend(pool, cfg.Queue.Table)
		if err != nil {
			return fmt.Errorf("postgres queue init failed: %w", err)
		}
		if err := backend.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("queue schema: %w", err)
		}
		logger.Info("queue schema applied", zap.String("table", cfg.Queue.Table))
	}
	return nil
}
