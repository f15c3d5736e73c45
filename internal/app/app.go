// Package app builds the crawler and its long-lived services from configuration
// and tears them down again.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/image-crawler/internal/api"
	"github.com/JakeFAU/image-crawler/internal/config"
	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/downloader"
	"github.com/JakeFAU/image-crawler/internal/feeder"
	"github.com/JakeFAU/image-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/image-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/image-crawler/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/image-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/image-crawler/internal/parser"
	"github.com/JakeFAU/image-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/image-crawler/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/image-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/image-crawler/internal/session"
	gcsstorage "github.com/JakeFAU/image-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/image-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/image-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/image-crawler/internal/storage/postgres"
	"github.com/JakeFAU/image-crawler/internal/store"
	"github.com/JakeFAU/image-crawler/internal/telemetry"
)

const closeTimeout = 15 * time.Second

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers the progress collectors on reg instead of the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithBarWriter sends the progress bar to w instead of stderr.
func WithBarWriter(w io.Writer) Option {
	return func(a *App) { a.barWriter = w }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registerer prometheus.Registerer
	barWriter  io.Writer

	sess       *session.Session
	blobs      crawler.BlobStore
	runs       store.RunRepository
	crawler    *crawler.Crawler
	downloader *downloader.Downloader
	hub        *progress.Hub
	apiServer  *api.Server

	pool      *pgxpool.Pool
	gcs       *gcsstorage.BlobStore
	publisher *gcppublisher.Publisher
	headless  *headlessfetcher.Fetcher
	tracer    *sdktrace.TracerProvider
	checks    map[string]api.ReadinessCheck
}

// Build creates the application's dependencies. Anything already opened is
// closed again when a later step fails.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		registerer: prometheus.DefaultRegisterer,
		barWriter:  os.Stderr,
		checks:     make(map[string]api.ReadinessCheck),
	}
	for _, opt := range opts {
		opt(app)
	}
	defer func() {
		if err != nil {
			app.closeInfrastructure(ctx)
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("feeder", cfg.Feeder.Strategy),
		zap.String("parser", cfg.Parser.Strategy),
		zap.String("storage", cfg.Storage.Backend),
	)
	if cfg.Tracing.Enabled {
		if app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			return nil, fmt.Errorf("tracing init failed: %w", err)
		}
	}
	app.sess = session.New(session.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Headers:      cfg.HTTP.Headers,
		Timeout:      cfg.HTTPTimeout(),
		MaxIdleConns: cfg.HTTP.MaxIdleConns,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})

	if app.blobs, err = setupStorage(ctx, app); err != nil {
		return nil, err
	}
	records, err := setupDatabase(ctx, app)
	if err != nil {
		return nil, err
	}
	if err = setupPublisher(ctx, app); err != nil {
		return nil, err
	}
	if err = setupProgress(ctx, app); err != nil {
		return nil, err
	}

	discovery, err := setupFeeder(app)
	if err != nil {
		return nil, err
	}
	extraction, err := setupParser(app)
	if err != nil {
		return nil, err
	}
	if app.downloader, err = setupDownloader(app, records); err != nil {
		return nil, err
	}

	app.crawler, err = crawler.New(
		app.sess,
		discovery,
		extraction,
		app.downloader,
		logger.Named("crawler"),
		crawler.WithQueueCapacity(cfg.Crawler.QueueCapacity),
		crawler.WithProgress(app.hub),
	)
	if err != nil {
		return nil, fmt.Errorf("crawler init failed: %w", err)
	}

	if cfg.Server.Enabled {
		app.apiServer = api.NewServer(api.Config{
			Status: app.crawler,
			Runs:   app.runs,
			Checks: app.checks,
			Logger: logger.Named("api"),
		})
	}
	return app, nil
}

// Crawler returns the configured pipeline.
func (a *App) Crawler() *crawler.Crawler { return a.crawler }

// Blobs returns the store downloads are written to.
func (a *App) Blobs() crawler.BlobStore { return a.blobs }

// Runs returns the run history repository.
func (a *App) Runs() store.RunRepository { return a.runs }

// Run executes one crawl with the configured plan. The status server, when
// enabled, is served for the duration of the crawl.
func (a *App) Run(ctx context.Context) error {
	return a.RunPlan(ctx, a.cfg.Plan())
}

// RunPlan executes one crawl with plan. A status server that cannot bind
// cancels the crawl.
func (a *App) RunPlan(ctx context.Context, plan crawler.Plan) error {
	if a.apiServer == nil {
		return a.crawler.Crawl(ctx, plan)
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	g, gctx := errgroup.WithContext(serverCtx)
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	g.Go(func() error {
		return a.apiServer.ListenAndServe(gctx, addr)
	})

	crawlErr := a.crawler.Crawl(gctx, plan)
	stopServer()
	return errors.Join(crawlErr, g.Wait())
}

// Close flushes progress sinks and releases every client the App opened.
func (a *App) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("dropped", dropped))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

func setupStorage(ctx context.Context, app *App) (crawler.BlobStore, error) {
	switch app.cfg.Storage.Backend {
	case config.StorageGCS:
		app.logger.Info("using GCS storage backend", zap.String("bucket", app.cfg.Storage.Bucket))
		blobs, err := gcsstorage.Connect(ctx, gcsstorage.Config{Bucket: app.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcs = blobs
		return blobs, nil
	case config.StorageMemory:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		dir := app.cfg.LocalDir()
		app.logger.Info("using local storage backend", zap.String("path", dir))
		blobs, err := localstorage.New(localstorage.Config{BaseDir: dir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	}
}

// setupDatabase opens Postgres when a DSN is configured; otherwise run
// history stays in memory and no download records are written.
func setupDatabase(ctx context.Context, app *App) (crawler.RecordStore, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("no DSN specified for database, keeping run history in memory")
		app.runs = memorystorage.NewRunStore()
		return nil, nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:      app.cfg.DB.DSN,
		MaxConns: app.cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	app.pool = pool
	app.checks["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	if app.cfg.DB.EnsureSchema {
		if err := pgstore.EnsureSchema(ctx, pool, app.cfg.DB.DownloadsTable); err != nil {
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
	}
	records, err := pgstore.NewDownloadStore(pool, app.cfg.DB.DownloadsTable)
	if err != nil {
		return nil, fmt.Errorf("download store init failed: %w", err)
	}
	runs, err := pgstore.NewRunStore(pool)
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}
	app.runs = runs
	app.logger.Info("postgres stores initialized", zap.String("table", app.cfg.DB.DownloadsTable))
	return records, nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.ProjectID == "" || app.cfg.PubSub.Topic == "" {
		app.logger.Debug("no Pub/Sub topic configured, download notifications disabled")
		return nil
	}
	publisher, err := gcppublisher.Connect(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.Topic)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.publisher = publisher
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.Topic),
	)
	return nil
}

func setupProgress(ctx context.Context, app *App) error {
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")),
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if app.cfg.Progress.Log {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
	}
	if app.cfg.Progress.Bar {
		sinkList = append(sinkList, progresssinks.NewBarSink(app.barWriter, string(crawler.StageDownloader)))
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.hub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupFeeder(app *App) (crawler.DiscoveryStrategy, error) {
	switch app.cfg.Feeder.Strategy {
	case config.FeederPagination:
		return feeder.NewPagination(), nil
	case config.FeederLinks:
		return feeder.NewLinks(newPageFetcher(app.cfg), app.logger.Named("feeder")), nil
	case config.FeederDirect:
		return feeder.Direct{}, nil
	default:
		return nil, fmt.Errorf("unknown feeder strategy %q", app.cfg.Feeder.Strategy)
	}
}

func setupParser(app *App) (crawler.ExtractionStrategy, error) {
	hc := app.cfg.Parser.Headless
	switch app.cfg.Parser.Strategy {
	case config.ParserHeadless:
		f, err := newHeadlessFetcher(app)
		if err != nil {
			return nil, err
		}
		app.logger.Info("using headless parser", zap.Int("max_parallel", hc.MaxParallel))
		return parser.New(f, app.logger.Named("parser")), nil
	case config.ParserAuto:
		f, err := newHeadlessFetcher(app)
		if err != nil {
			return nil, err
		}
		promoting := detector.NewFetcher(
			newPageFetcher(app.cfg),
			f,
			detector.NewHeuristic(hc.PromoteThreshold),
			app.logger.Named("detector"),
		)
		app.logger.Info("using auto parser",
			zap.Int("max_parallel", hc.MaxParallel),
			zap.Int("promote_threshold", hc.PromoteThreshold),
		)
		return parser.New(promoting, app.logger.Named("parser")), nil
	case config.ParserHTML:
		return parser.New(newPageFetcher(app.cfg), app.logger.Named("parser")), nil
	default:
		return nil, fmt.Errorf("unknown parser strategy %q", app.cfg.Parser.Strategy)
	}
}

func newHeadlessFetcher(app *App) (*headlessfetcher.Fetcher, error) {
	hc := app.cfg.Parser.Headless
	f, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       hc.MaxParallel,
		NavigationTimeout: time.Duration(hc.NavTimeoutSeconds) * time.Second,
		Settle:            time.Duration(hc.SettleMillis) * time.Millisecond,
		ScrollToBottom:    hc.ScrollToBottom,
		ExecPath:          hc.ExecPath,
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.headless = f
	return f, nil
}

func newPageFetcher(cfg config.Config) fetcher.Fetcher {
	return collyfetcher.New(collyfetcher.Config{MaxBodySize: cfg.Parser.MaxBodyBytes})
}

func setupDownloader(app *App, records crawler.RecordStore) (*downloader.Downloader, error) {
	dcfg := downloader.Config{
		Blobs:   app.blobs,
		Records: records,
		Logger:  app.logger.Named("downloader"),
	}
	if app.publisher != nil {
		dcfg.Publisher = app.publisher
		dcfg.Topic = app.cfg.PubSub.Topic
	}
	d, err := downloader.New(dcfg)
	if err != nil {
		return nil, fmt.Errorf("downloader init failed: %w", err)
	}
	return d, nil
}
