// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/picfetch/internal/api"
	"github.com/JakeFAU/picfetch/internal/browser/headless"
	"github.com/JakeFAU/picfetch/internal/browser/rodbrowser"
	memorycache "github.com/JakeFAU/picfetch/internal/cache/memory"
	rediscache "github.com/JakeFAU/picfetch/internal/cache/redis"
	"github.com/JakeFAU/picfetch/internal/clock/system"
	"github.com/JakeFAU/picfetch/internal/config"
	"github.com/JakeFAU/picfetch/internal/hash/sha256"
	"github.com/JakeFAU/picfetch/internal/id/uuid"
	"github.com/JakeFAU/picfetch/internal/imagefetch"
	"github.com/JakeFAU/picfetch/internal/logging"
	"github.com/JakeFAU/picfetch/internal/metrics"
	"github.com/JakeFAU/picfetch/internal/pipeline"
	"github.com/JakeFAU/picfetch/internal/policy/ratelimit"
	kafkapublisher "github.com/JakeFAU/picfetch/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/picfetch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/picfetch/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/picfetch/internal/storage/gcs"
	localstorage "github.com/JakeFAU/picfetch/internal/storage/local"
	memorystorage "github.com/JakeFAU/picfetch/internal/storage/memory"
	pgstore "github.com/JakeFAU/picfetch/internal/storage/postgres"
	"github.com/JakeFAU/picfetch/internal/telemetry"
)

const defaultShutdownTimeout = 15 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	browser   imagefetch.Browser
	pipeline  *pipeline.Pipeline
	apiServer *api.Server

	redisCache      *rediscache.Cache
	storage         *storage.Client
	retrievalStore  *pgstore.RetrievalStore
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	kafkaPublisher  *kafkapublisher.Publisher
	tracerProvider  *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build creates the logger, launches the shared browser and wires every
// dependency. A browser that cannot be launched is fatal.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development:  cfg.Logging.Development,
		Level:        cfg.Logging.Level,
		CombinedFile: cfg.Logging.CombinedFile,
		ErrorFile:    cfg.Logging.ErrorFile,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	var tp *sdktrace.TracerProvider
	if cfg.Tracing.Enabled {
		tp, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		logger.Info("tracing enabled", zap.Float64("sample_ratio", cfg.Tracing.SampleRatio))
	}

	browser, err := LaunchBrowser(ctx, cfg.Browser, logger.Named("browser"))
	if err != nil {
		shutdownTracer(tp, logger)
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}

	app, err := NewApp(ctx, cfg, logger, browser)
	if err != nil {
		shutdownTracer(tp, logger)
		return nil, err
	}
	app.tracerProvider = tp
	return app, nil
}

// LaunchBrowser starts the configured browser driver.
func LaunchBrowser(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (imagefetch.Browser, error) {
	if cfg.LaunchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.LaunchTimeout)
		defer cancel()
	}
	switch cfg.Driver {
	case config.DriverRod:
		logger.Info("launching browser", zap.String("driver", config.DriverRod))
		return rodbrowser.Launch(ctx, rodbrowser.Config{
			ExecPath: cfg.ExecPath,
			Headful:  cfg.Headful,
			Flags:    cfg.BrowserFlags(),
		}, logger)
	case config.DriverChromedp, "":
		logger.Info("launching browser", zap.String("driver", config.DriverChromedp))
		return headless.Launch(ctx, headless.Config{
			ExecPath: cfg.ExecPath,
			Headful:  cfg.Headful,
			Flags:    cfg.BrowserFlags(),
		}, logger)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Driver)
	}
}

// NewApp wires the download pipeline and HTTP server on top of an already
// running browser. The App takes ownership of browser.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, browser imagefetch.Browser) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("browser_driver", cfg.Browser.Driver),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("events_backend", cfg.Events.Backend),
	)
	app := &App{cfg: cfg, logger: logger, browser: browser}

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	orchestrator, err := imagefetch.NewOrchestrator(browser, imagefetch.Config{
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		BodyTimeout:       cfg.Browser.BodyTimeout,
		Idle: imagefetch.IdlePolicy{
			MaxInflight: cfg.Browser.Idle.MaxInflight,
			Window:      cfg.Browser.Idle.Window,
		},
		SniffBytes:  cfg.Validation.SniffBytes,
		MaxParallel: cfg.Browser.MaxParallel,
	}, metrics.ContextGauge{}, logger.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	ids := uuid.NewUUIDGenerator()
	clock := system.New()
	deps := pipeline.Deps{
		Fetcher: orchestrator,
		Hasher:  sha256.New(),
		Clock:   clock,
		IDs:     ids,
	}

	if deps.Cache, err = app.setupCache(ctx); err != nil {
		return nil, err
	}
	if deps.BlobStore, err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if app.retrievalStore != nil {
		deps.Retrievals = app.retrievalStore
	}
	if deps.Publisher, err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Enabled {
		deps.Limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.RPS,
			DefaultBurst: cfg.RateLimit.Burst,
			HostRPS:      cfg.RateLimit.Hosts,
		})
		logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.RateLimit.RPS),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
	}

	app.pipeline, err = pipeline.New(deps, pipeline.Config{
		BlobPrefix: cfg.Storage.Prefix,
		Topic:      cfg.Events.Topic,
		CacheTTL:   cfg.Cache.TTL,
	}, logger.Named("pipeline"))
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.apiServer = api.NewServer(app.pipeline, ids, clock, *cfg, logger.Named("api"))
	ok = true
	return app, nil
}

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Pipeline returns the download pipeline, for callers that bypass HTTP.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.Close()
	return runErr
}

// Close releases the browser and every backend. It is safe to call more
// than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		shutdownTracer(a.tracerProvider, a.logger)
		a.logger.Info("shutdown complete")
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
	})
}

func shutdownTracer(tp *sdktrace.TracerProvider, logger *zap.Logger) {
	if tp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}

func (a *App) closeInfrastructure() {
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.kafkaPublisher != nil {
		a.kafkaPublisher.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.retrievalStore != nil {
		a.retrievalStore.Close()
	}
	if a.redisCache != nil {
		if err := a.redisCache.Close(); err != nil {
			a.logger.Warn("redis cache close failed", zap.Error(err))
		}
	}
}

func (a *App) setupCache(ctx context.Context) (imagefetch.Cache, error) {
	switch a.cfg.Cache.Backend {
	case config.BackendMemory:
		a.logger.Info("using in-memory cache", zap.Int("max_entries", a.cfg.Cache.MaxEntries))
		return memorycache.New(a.cfg.Cache.MaxEntries), nil
	case config.BackendRedis:
		c, err := rediscache.New(ctx, rediscache.Config{
			Addr:      a.cfg.Cache.Redis.Addr,
			Password:  a.cfg.Cache.Redis.Password,
			DB:        a.cfg.Cache.Redis.DB,
			KeyPrefix: a.cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache init failed: %w", err)
		}
		a.redisCache = c
		a.logger.Info("using redis cache", zap.String("addr", a.cfg.Cache.Redis.Addr))
		return c, nil
	default:
		a.logger.Info("result cache disabled")
		return nil, nil
	}
}

func (a *App) setupStorage(ctx context.Context) (imagefetch.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       a.cfg.Storage.GCS.Bucket,
			CacheControl: a.cfg.Storage.GCS.CacheControl,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return blobStore, nil
	case config.BackendLocal:
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobStore, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("image archive disabled")
		return nil, nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("no DSN specified for database, skipping retrieval store")
		return nil
	}
	store, err := pgstore.NewRetrievalStore(ctx, pgstore.RetrievalStoreConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
		CreateTable:     a.cfg.Database.CreateTable,
	})
	if err != nil {
		return fmt.Errorf("retrieval store init failed: %w", err)
	}
	a.retrievalStore = store
	a.logger.Info("retrieval store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (imagefetch.Publisher, error) {
	switch a.cfg.Events.Backend {
	case config.BackendPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Events.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPublisher = gcppublisher.New(client, map[string]string{"source": "picfetch"})
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.PubSub.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
		return a.pubsubPublisher, nil
	case config.BackendKafka:
		p, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers:  a.cfg.Events.Kafka.Brokers,
			ClientID: a.cfg.Events.Kafka.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.kafkaPublisher = p
		a.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Events.Kafka.Brokers),
			zap.String("topic", a.cfg.Events.Topic),
		)
		return p, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultCapacity), nil
	default:
		a.logger.Info("event publishing disabled")
		return nil, nil
	}
}
