// Package collyfetcher implements fetcher.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/image-crawler/internal/fetcher"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// Config controls collector behavior.
type Config struct {
	// MaxBodySize caps response bodies; 0 keeps the colly default.
	MaxBodySize int
}

// Fetcher implements fetcher.Fetcher using the Colly collector.
type Fetcher struct {
	cfg Config
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg}
}

// Fetch executes a single HTTP GET using Colly over the session transport.
func (f *Fetcher) Fetch(ctx context.Context, sess *session.Session, req fetcher.Request) (fetcher.Page, error) {
	var (
		page     fetcher.Page
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, sess)
	f.configureCollectorHooks(collector, fetcher.RequestHeaders(sess, req), start, &page, &fetchErr)

	if err := f.runCollector(ctx, collector, req.URL, &fetchErr); err != nil {
		return fetcher.Page{}, err
	}
	return page, nil
}

// buildCollector creates a collector per fetch; clones would share the
// backend client and race on its transport. Requests carry ctx so a
// canceled fetch aborts the in-flight round trip.
func (f *Fetcher) buildCollector(ctx context.Context, sess *session.Session) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.StdlibContext(ctx))
	collector.UserAgent = sess.UserAgent()
	collector.IgnoreRobotsTxt = true
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	collector.WithTransport(sess.Transport())
	collector.SetRequestTimeout(sess.Timeout())
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers map[string][]string,
	start time.Time,
	page *fetcher.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*page = fetcher.Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Header:     r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}
