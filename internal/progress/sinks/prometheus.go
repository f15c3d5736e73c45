package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/image-crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for crawls started/completed/running and per-stage item counters.
type PrometheusSink struct {
	crawlsStarted   prometheus.Counter
	crawlsCompleted *prometheus.CounterVec
	crawlsRunning   prometheus.Gauge
	crawlRuntime    *prometheus.HistogramVec

	items        *prometheus.CounterVec
	itemDuration *prometheus.HistogramVec
	bytes        prometheus.Counter

	tracker *crawlTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		crawlsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_crawls_started_total",
			Help: "Total crawls that have started.",
		}),
		crawlsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_crawls_completed_total",
			Help: "Total crawls completed partitioned by result.",
		}, []string{"result"}),
		crawlsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_crawls_running",
			Help: "Current number of running crawls.",
		}),
		crawlRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_crawl_runtime_seconds",
			Help:    "Wall time per completed crawl.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_progress_items_total",
			Help: "Item completions partitioned by stage and result.",
		}, []string{"stage", "result"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_progress_item_duration_seconds",
			Help:    "Item processing duration partitioned by stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_progress_bytes_total",
			Help: "Bytes persisted by the downloader.",
		}),
		tracker: newCrawlTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.crawlsStarted,
		s.crawlsCompleted,
		s.crawlsRunning,
		s.crawlRuntime,
		s.items,
		s.itemDuration,
		s.bytes,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindCrawlStart, progress.KindCrawlDone, progress.KindCrawlError:
		s.handleCrawlEvent(evt)
	case progress.KindItemDone, progress.KindItemFailed:
		s.handleItemEvent(evt)
	}
}

func (s *PrometheusSink) handleCrawlEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindCrawlStart:
		s.crawlsStarted.Inc()
		if s.tracker.start(evt.CrawlID) {
			s.crawlsRunning.Inc()
		}
	case progress.KindCrawlDone:
		s.crawlsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.KindCrawlError:
		s.crawlsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Kind != progress.KindCrawlStart && s.tracker.complete(evt.CrawlID) {
		s.crawlsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.crawlRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleItemEvent(evt progress.Event) {
	result := "success"
	if evt.Kind == progress.KindItemFailed {
		result = "error"
	}
	s.items.WithLabelValues(evt.Stage, result).Inc()
	if evt.Dur > 0 {
		s.itemDuration.WithLabelValues(evt.Stage).Observe(evt.Dur.Seconds())
	}
	if evt.Bytes > 0 {
		s.bytes.Add(float64(evt.Bytes))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type crawlTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCrawlTracker() *crawlTracker {
	return &crawlTracker{running: make(map[[16]byte]struct{})}
}

func (t *crawlTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *crawlTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
