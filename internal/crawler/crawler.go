package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/image-crawler/internal/clock/system"
	iduuid "github.com/JakeFAU/image-crawler/internal/id/uuid"
	"github.com/JakeFAU/image-crawler/internal/metrics"
	"github.com/JakeFAU/image-crawler/internal/progress"
	"github.com/JakeFAU/image-crawler/internal/queue/memory"
	"github.com/JakeFAU/image-crawler/internal/session"
	"github.com/JakeFAU/image-crawler/internal/worker"
)

// ErrCrawlInProgress is returned when Crawl is called while another crawl runs.
var ErrCrawlInProgress = errors.New("crawl already in progress")

// Option customizes a Crawler.
type Option func(*Crawler)

// WithQueueCapacity bounds the URL and task queues; producers block while a queue is full.
// Zero keeps them unbounded.
func WithQueueCapacity(capacity int) Option {
	return func(c *Crawler) { c.queueCapacity = capacity }
}

// WithProgress reports crawl and item events to emitter.
func WithProgress(emitter progress.Emitter) Option {
	return func(c *Crawler) { c.progress = emitter }
}

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(c *Crawler) { c.clock = clock }
}

// WithIDGenerator overrides how crawl IDs are produced.
func WithIDGenerator(gen IDGenerator) Option {
	return func(c *Crawler) { c.idGen = gen }
}

// Crawler owns the queues and stage pools for one crawl at a time.
type Crawler struct {
	sess       *session.Session
	discovery  DiscoveryStrategy
	extraction ExtractionStrategy
	retrieval  RetrievalStrategy
	logger     *zap.Logger

	queueCapacity int
	progress      progress.Emitter
	clock         Clock
	idGen         IDGenerator

	running atomic.Bool
	mu      sync.RWMutex
	current *run
}

// New constructs a Crawler. The session is shared read-only by every stage.
func New(
	sess *session.Session,
	discovery DiscoveryStrategy,
	extraction ExtractionStrategy,
	retrieval RetrievalStrategy,
	logger *zap.Logger,
	opts ...Option,
) (*Crawler, error) {
	if sess == nil {
		return nil, errors.New("session is required")
	}
	if discovery == nil || extraction == nil || retrieval == nil {
		return nil, errors.New("discovery, extraction and retrieval strategies are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Crawler{
		sess:       sess,
		discovery:  discovery,
		extraction: extraction,
		retrieval:  retrieval,
		logger:     logger,
		clock:      system.New(),
		idGen:      iduuid.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// run is the per-crawl state: fresh queues and pools.
type run struct {
	id      uuid.UUID
	started time.Time
	seeds   *memory.Queue[URLItem]
	urls    *memory.Queue[URLItem]
	tasks   *memory.Queue[TaskItem]
	tracker *seedTracker

	feeder     *worker.Pool[URLItem, URLItem]
	parser     *worker.Pool[URLItem, TaskItem]
	downloader *worker.Pool[TaskItem, struct{}]
}

// Crawl runs the pipeline until every discoverable item has been attempted,
// the context is canceled, or a stage fails fatally. Item-level failures are
// logged and never returned.
func (c *Crawler) Crawl(ctx context.Context, plan Plan) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrCrawlInProgress
	}
	defer c.running.Store(false)

	plan, seeds, err := c.prepare(plan)
	if err != nil {
		return err
	}

	id, err := c.idGen.NewRawID()
	if err != nil {
		return fmt.Errorf("crawl id: %w", err)
	}
	r := c.newRun(id)
	logger := c.logger.With(zap.String("crawl_id", id.String()))

	c.mu.Lock()
	c.current = r
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
	}()

	logger.Info("crawl started",
		zap.Int("seeds", len(seeds)),
		zap.Int("feeder_workers", plan.FeederWorkers),
		zap.Int("parser_workers", plan.ParserWorkers),
		zap.Int("downloader_workers", plan.DownloaderWorkers),
	)
	c.emit(r, progress.Event{Kind: progress.KindCrawlStart})

	runCtx, cancel := context.WithCancel(WithCrawlID(ctx, id.String()))
	defer cancel()

	if err := r.tracker.seed(runCtx, seeds); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			logger.Warn("crawl canceled", zap.Error(ctxErr))
			c.emit(r, progress.Event{Kind: progress.KindCrawlError, Note: ctxErr.Error()})
			return fmt.Errorf("crawl canceled: %w", ctxErr)
		}
		return fmt.Errorf("enqueue seeds: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	starts := []struct {
		stage   Stage
		workers int
		start   func(context.Context, int) error
		done    <-chan struct{}
		err     func() error
	}{
		{StageFeeder, plan.FeederWorkers, r.feeder.Start, r.feeder.Done(), r.feeder.Err},
		{StageParser, plan.ParserWorkers, r.parser.Start, r.parser.Done(), r.parser.Err},
		{StageDownloader, plan.DownloaderWorkers, r.downloader.Start, r.downloader.Done(), r.downloader.Err},
	}
	for i, s := range starts {
		if err := s.start(gctx, s.workers); err != nil {
			cancel()
			for _, prev := range starts[:i] {
				<-prev.done
			}
			return fmt.Errorf("start %s: %w", s.stage, err)
		}
		logger.Info("stage started", zap.String("stage", string(s.stage)), zap.Int("workers", s.workers))
		c.emit(r, progress.Event{Kind: progress.KindStageStart, Stage: string(s.stage)})
	}
	for _, s := range starts {
		g.Go(func() error {
			<-s.done
			return s.err()
		})
	}
	_ = g.Wait()

	elapsed := c.clock.Now().Sub(r.started)
	if fatal := errors.Join(r.feeder.Err(), r.parser.Err(), r.downloader.Err()); fatal != nil {
		logger.Error("crawl aborted", zap.Error(fatal), zap.Duration("elapsed", elapsed))
		c.emit(r, progress.Event{Kind: progress.KindCrawlError, Dur: elapsed, Note: fatal.Error()})
		return fmt.Errorf("crawl aborted: %w", fatal)
	}
	if err := ctx.Err(); err != nil {
		logger.Warn("crawl canceled", zap.Error(err), zap.Duration("elapsed", elapsed))
		c.emit(r, progress.Event{Kind: progress.KindCrawlError, Dur: elapsed, Note: err.Error()})
		return fmt.Errorf("crawl canceled: %w", err)
	}
	logger.Info("crawl complete", zap.Duration("elapsed", elapsed))
	c.emit(r, progress.Event{Kind: progress.KindCrawlDone, Dur: elapsed})
	return nil
}

// Snapshot reports the state of the running crawl.
func (c *Crawler) Snapshot() Snapshot {
	c.mu.RLock()
	r := c.current
	c.mu.RUnlock()
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		Running: true,
		CrawlID: r.id.String(),
		Started: r.started,
		Stages: []StageSnapshot{
			{Stage: StageFeeder, Active: r.feeder.Active(), Alive: r.feeder.Alive(), Queued: r.seeds.Len()},
			{Stage: StageParser, Active: r.parser.Active(), Alive: r.parser.Alive(), Queued: r.urls.Len()},
			{Stage: StageDownloader, Active: r.downloader.Active(), Alive: r.downloader.Alive(), Queued: r.tasks.Len()},
		},
	}
}

// prepare validates worker counts and hands options to the strategies before
// any worker is spawned.
func (c *Crawler) prepare(plan Plan) (Plan, []URLItem, error) {
	var err error
	if plan.FeederWorkers, err = workerCount(StageFeeder, plan.FeederWorkers); err != nil {
		return plan, nil, err
	}
	if plan.ParserWorkers, err = workerCount(StageParser, plan.ParserWorkers); err != nil {
		return plan, nil, err
	}
	if plan.DownloaderWorkers, err = workerCount(StageDownloader, plan.DownloaderWorkers); err != nil {
		return plan, nil, err
	}

	stageOpts, discoveryOpts, err := splitFeederOptions(plan.FeederOptions)
	if err != nil {
		return plan, nil, err
	}
	if err := configureStrategy(StageFeeder, c.discovery, discoveryOpts); err != nil {
		return plan, nil, err
	}
	if err := configureStrategy(StageParser, c.extraction, plan.ParserOptions); err != nil {
		return plan, nil, err
	}
	if err := configureStrategy(StageDownloader, c.retrieval, plan.DownloaderOptions); err != nil {
		return plan, nil, err
	}

	seeds := make([]URLItem, 0, len(stageOpts.Seeds))
	for _, s := range stageOpts.Seeds {
		seeds = append(seeds, URLItem{URL: s})
	}
	return plan, seeds, nil
}

func workerCount(stage Stage, n int) (int, error) {
	switch {
	case n == 0:
		return 1, nil
	case n < 0:
		return 0, fmt.Errorf("%s: %w (got %d)", stage, worker.ErrInvalidWorkers, n)
	default:
		return n, nil
	}
}

func (c *Crawler) newRun(id uuid.UUID) *run {
	r := &run{
		id:      id,
		started: c.clock.Now(),
		// Seeds stay unbounded: feeder workers re-enqueue into their own input.
		seeds: memory.NewQueue[URLItem](0),
		urls:  memory.NewQueue[URLItem](c.queueCapacity),
		tasks: memory.NewQueue[TaskItem](c.queueCapacity),
	}
	r.tracker = &seedTracker{queue: r.seeds}
	urlOf := func(item URLItem) string { return item.URL }
	r.feeder = worker.New(string(StageFeeder), r.seeds, r.urls, c.discoverHandler(r), c.logger.Named(string(StageFeeder))).
		WithDescriber(urlOf)
	r.parser = worker.New(string(StageParser), r.urls, r.tasks, c.extractHandler(r), c.logger.Named(string(StageParser))).
		WithDescriber(urlOf)
	r.downloader = worker.New[TaskItem, struct{}](
		string(StageDownloader), r.tasks, nil, c.retrieveHandler(r), c.logger.Named(string(StageDownloader)),
	).WithDescriber(func(task TaskItem) string { return task.URL })
	return r
}

func (c *Crawler) discoverHandler(r *run) worker.Handler[URLItem, URLItem] {
	return func(ctx context.Context, seed URLItem, emit func(URLItem) error) error {
		defer r.tracker.done()
		start := time.Now()
		err := c.discovery.Discover(ctx, seed, c.sess,
			func(item URLItem) error { return emit(item.Clone()) },
			func(next URLItem) error { return r.tracker.push(ctx, next.Clone()) },
		)
		c.observe(r, StageFeeder, seed.URL, start, 0, err)
		return err
	}
}

func (c *Crawler) extractHandler(r *run) worker.Handler[URLItem, TaskItem] {
	return func(ctx context.Context, item URLItem, emit func(TaskItem) error) error {
		start := time.Now()
		err := c.extraction.Extract(ctx, item, c.sess, func(task TaskItem) error { return emit(task.Clone()) })
		c.observe(r, StageParser, item.URL, start, 0, err)
		return err
	}
}

func (c *Crawler) retrieveHandler(r *run) worker.Handler[TaskItem, struct{}] {
	return func(ctx context.Context, task TaskItem, _ func(struct{}) error) error {
		start := time.Now()
		ctx, written := withByteCounter(ctx)
		err := c.retrieval.Retrieve(ctx, task, c.sess)
		c.observe(r, StageDownloader, task.URL, start, written.Load(), err)
		return err
	}
}

func (c *Crawler) observe(r *run, stage Stage, rawURL string, start time.Time, written int64, err error) {
	dur := time.Since(start)
	evt := progress.Event{Stage: string(stage), URL: rawURL, Dur: dur, Bytes: written}
	if err != nil {
		metrics.ObserveItem(string(stage), "failed", dur)
		evt.Kind = progress.KindItemFailed
		evt.Note = err.Error()
	} else {
		metrics.ObserveItem(string(stage), "ok", dur)
		evt.Kind = progress.KindItemDone
	}
	c.emit(r, evt)
}

func (c *Crawler) emit(r *run, evt progress.Event) {
	if c.progress == nil {
		return
	}
	evt.CrawlID = progress.UUIDToBytes(r.id)
	evt.TS = c.clock.Now()
	c.progress.Emit(evt)
}

// seedTracker closes the seed queue once every seed, including those added
// while processing other seeds, has been handled. A seed counts as pending from
// push until its handler returns, so the count cannot reach zero while a
// worker may still reseed.
type seedTracker struct {
	queue   *memory.Queue[URLItem]
	pending atomic.Int64
}

func (t *seedTracker) seed(ctx context.Context, seeds []URLItem) error {
	if len(seeds) == 0 {
		t.queue.Close()
		return nil
	}
	t.pending.Add(int64(len(seeds)))
	for _, s := range seeds {
		if err := t.queue.Push(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (t *seedTracker) push(ctx context.Context, item URLItem) error {
	t.pending.Add(1)
	if err := t.queue.Push(ctx, item); err != nil {
		t.done()
		return fmt.Errorf("reseed: %w", err)
	}
	return nil
}

func (t *seedTracker) done() {
	if t.pending.Add(-1) == 0 {
		t.queue.Close()
	}
}
