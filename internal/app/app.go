// Package app wires configuration, storage, workers, and the HTTP API into a
// runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/analyzer"
	"github.com/mstanton/webharvester/internal/api"
	gcsblob "github.com/mstanton/webharvester/internal/blob/gcs"
	localblob "github.com/mstanton/webharvester/internal/blob/local"
	memoryblob "github.com/mstanton/webharvester/internal/blob/memory"
	"github.com/mstanton/webharvester/internal/clean"
	"github.com/mstanton/webharvester/internal/clock/system"
	"github.com/mstanton/webharvester/internal/config"
	"github.com/mstanton/webharvester/internal/dispatcher"
	"github.com/mstanton/webharvester/internal/export"
	"github.com/mstanton/webharvester/internal/fetcher"
	collyfetcher "github.com/mstanton/webharvester/internal/fetcher/colly"
	headlessfetcher "github.com/mstanton/webharvester/internal/fetcher/headless"
	"github.com/mstanton/webharvester/internal/hash/sha256"
	"github.com/mstanton/webharvester/internal/headless/detector"
	"github.com/mstanton/webharvester/internal/id/uuid"
	"github.com/mstanton/webharvester/internal/logging"
	"github.com/mstanton/webharvester/internal/monitor"
	"github.com/mstanton/webharvester/internal/policy/ratelimit"
	"github.com/mstanton/webharvester/internal/policy/simple"
	"github.com/mstanton/webharvester/internal/progress"
	progresssinks "github.com/mstanton/webharvester/internal/progress/sinks"
	memorypublisher "github.com/mstanton/webharvester/internal/publisher/memory"
	gcppublisher "github.com/mstanton/webharvester/internal/publisher/pubsub"
	"github.com/mstanton/webharvester/internal/queue"
	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
	memorystore "github.com/mstanton/webharvester/internal/store/memory"
	pgstore "github.com/mstanton/webharvester/internal/store/postgres"
	"github.com/mstanton/webharvester/internal/worker"
)

// App holds the service's long-lived components.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queue.Queue

	progressHub  *progress.Hub
	headless     *headlessfetcher.Fetcher
	gcsClient    *gstorage.Client
	pubPublisher *gcppublisher.Publisher
	pgStore      *pgstore.Store
}

// Build creates the App's dependency graph from configuration. It fails fast
// when any backing service cannot be initialized.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a := &App{cfg: cfg, logger: logger}

	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	jobs, err := a.setupJobStore(ctx, clock)
	if err != nil {
		return nil, err
	}
	a.queue = queue.New(cfg.Queue, jobs, ids, clock, logger.Named("queue"))

	blobs, err := a.setupBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	analyze := analyzer.New(cfg.Analyzer, clock, logger.Named("analyzer"))
	cleaner := clean.New(cfg.Cleaner.Config, hasher, clock, logger.Named("clean"))
	for _, rule := range cfg.Cleaner.Rules {
		if err := cleaner.AddRule(rule); err != nil {
			return nil, fmt.Errorf("register cleaning rule %q: %w", rule.Field, err)
		}
	}

	pages, err := a.setupFetcher(logger)
	if err != nil {
		return nil, err
	}

	var pacer worker.Pacer
	if cfg.RateLimit.Enabled {
		pacer = ratelimit.New(cfg.RateLimit.Config)
		logger.Info("per-domain rate limiting enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst))
	} else {
		pacer = simple.New()
	}

	breakers := worker.NewBreakerRegistry(cfg.Breaker, clock, logger.Named("breaker"))
	retry := worker.NewRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay)
	pipeline := cfg.Worker.Pipeline(cfg.PubSub, cfg.Storage)

	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		workers = append(workers, worker.New(
			id, a.queue, jobs, pages, analyze, cleaner, blobs, publisher,
			clock, ids, retry, breakers, pacer, emitter, pipeline,
			logger.Named("worker"),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers, cfg.Worker.CleanupInterval)

	mon := monitor.New(cfg.Monitor, jobs, a.dispatch, breakers, clock, logger.Named("monitor"))
	exports := export.New(cfg.Export, jobs, clock, ids, logger.Named("export"))
	a.apiServer = api.NewServer(cfg.Server, a.queue, jobs, mon, cleaner, exports, logger.Named("api"))

	return a, nil
}

// Run starts the dispatcher and HTTP server, then blocks until the context is
// canceled or an interrupt arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Workers()))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Server.Addr))
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

// Close releases backing clients and flushes logs.
func (a *App) Close(ctx context.Context) error {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubPublisher != nil {
		if err := a.pubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

func (a *App) setupJobStore(ctx context.Context, clock scraper.Clock) (store.JobStore, error) {
	switch a.cfg.DB.Driver {
	case config.DriverPostgres:
		st, err := pgstore.New(ctx, a.cfg.DB.Pool, clock)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.pgStore = st
		a.logger.Info("using postgres job store")
		return st, nil
	default:
		a.logger.Info("using in-memory job store")
		return memorystore.New(clock), nil
	}
}

func (a *App) setupBlobStore(ctx context.Context) (scraper.BlobStore, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.gcsClient = client
		bs, err := gcsblob.New(client, a.cfg.Storage.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs blob storage: %w", err)
		}
		a.logger.Info("using gcs blob storage", zap.String("bucket", a.cfg.Storage.GCS.Bucket))
		return bs, nil
	case config.DriverLocal:
		bs, err := localblob.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("init local blob storage: %w", err)
		}
		a.logger.Info("using local blob storage", zap.String("base_dir", a.cfg.Storage.Local.BaseDir))
		return bs, nil
	default:
		a.logger.Info("using in-memory blob storage")
		return memoryblob.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scraper.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no pubsub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.New(ctx, gcppublisher.Config{ProjectID: a.cfg.PubSub.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.pubPublisher = pub
	a.logger.Info("pubsub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic))
	return pub, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("init prometheus progress sink: %w", err)
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	},
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	return a.progressHub, nil
}

func (a *App) setupFetcher(logger *zap.Logger) (scraper.PageFetcher, error) {
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Fetcher.UserAgent,
		Timeout:   a.cfg.Fetcher.Timeout,
	})
	logger.Info("using colly probe fetcher", zap.String("user_agent", a.cfg.Fetcher.UserAgent))

	// A nil rendered fetcher makes the router serve every job from the
	// probe, so disabling headless does not fail jobs that ask for it.
	var rendered scraper.PageFetcher
	if a.cfg.Fetcher.Headless.Enabled {
		hf, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Fetcher.Headless.MaxParallel,
			UserAgent:         a.cfg.Fetcher.UserAgent,
			NavigationTimeout: a.cfg.Fetcher.Headless.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.headless = hf
		rendered = hf
		logger.Info("headless rendering enabled",
			zap.Int("max_parallel", a.cfg.Fetcher.Headless.MaxParallel))
	}

	return fetcher.NewRouter(probe, rendered, detector.NewHeuristic(0), logger.Named("fetcher")), nil
}
