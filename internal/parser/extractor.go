// Package parser provides the default extraction strategy: fetch a page,
// select image elements and turn each one into a download task.
package parser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/fetcher"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// Options are the parser start options.
type Options struct {
	// Selector picks candidate elements. Defaults to "img".
	Selector string `mapstructure:"selector"`
	// Attrs are tried in order; the first non-empty one wins.
	Attrs []string `mapstructure:"attrs"`
	// Extensions keeps only URLs with one of these extensions when set.
	Extensions []string `mapstructure:"extensions"`
	// MaxTasks caps tasks per page; 0 means unlimited.
	MaxTasks int  `mapstructure:"max_tasks"`
	SameHost bool `mapstructure:"same_host"`
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		Selector: "img",
		Attrs:    []string{"src", "data-src", "data-original", "srcset"},
	}
}

// Extractor implements crawler.ExtractionStrategy over any fetcher.Fetcher, so
// the same selection logic serves plain HTTP and rendered pages.
type Extractor struct {
	fetch  fetcher.Fetcher
	logger *zap.Logger

	mu   sync.RWMutex
	opts Options
}

// New builds an Extractor.
func New(f fetcher.Fetcher, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{fetch: f, logger: logger, opts: DefaultOptions()}
}

// Configure implements crawler.Configurer.
func (e *Extractor) Configure(opts crawler.Options) error {
	var next Options
	if err := crawler.DecodeOptions(opts, &next); err != nil {
		return err
	}
	defaults := DefaultOptions()
	if _, ok := opts["selector"]; !ok {
		next.Selector = defaults.Selector
	}
	if _, ok := opts["attrs"]; !ok {
		next.Attrs = defaults.Attrs
	}
	next.Selector = strings.TrimSpace(next.Selector)
	if next.Selector == "" {
		return fmt.Errorf("%w: selector must not be empty", crawler.ErrInvalidOption)
	}
	if len(next.Attrs) == 0 {
		return fmt.Errorf("%w: attrs must not be empty", crawler.ErrInvalidOption)
	}
	if next.MaxTasks < 0 {
		return fmt.Errorf("%w: max_tasks must be >= 0", crawler.ErrInvalidOption)
	}
	if _, err := cascadia.Compile(next.Selector); err != nil {
		return fmt.Errorf("%w: selector %q: %v", crawler.ErrInvalidOption, next.Selector, err)
	}
	next.Extensions = normalizeExtensions(next.Extensions)

	e.mu.Lock()
	e.opts = next
	e.mu.Unlock()
	return nil
}

func (e *Extractor) options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.opts
}

// Extract implements crawler.ExtractionStrategy. A URL that already points at
// an image becomes a single task without parsing.
func (e *Extractor) Extract(ctx context.Context, item crawler.URLItem, sess *session.Session, emit crawler.Emit[crawler.TaskItem]) error {
	opts := e.options()
	page, err := e.fetch.Fetch(ctx, sess, fetcher.Request{URL: item.URL, Referer: item.Referer})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", item.URL, err)
	}
	if strings.HasPrefix(page.ContentType(), "image/") {
		return emit(crawler.TaskItem{URL: page.URL, Referer: item.Referer, Meta: item.Meta})
	}
	if !page.IsHTML() {
		e.logger.Debug("skipping non-html page", zap.String("url", page.URL), zap.String("content_type", page.ContentType()))
		return nil
	}
	doc, err := page.Document()
	if err != nil {
		return err
	}
	tasks := Tasks(doc, page.URL, opts)
	e.logger.Debug("page parsed", zap.String("url", page.URL), zap.Int("tasks", len(tasks)))
	for _, task := range tasks {
		if err := emit(task); err != nil {
			return err
		}
	}
	return nil
}

// Tasks selects image elements from doc and resolves them into tasks, deduplicated
// within the page.
func Tasks(doc *goquery.Document, pageURL string, opts Options) []crawler.TaskItem {
	base := fetcher.BaseURL(doc, pageURL)
	seen := make(map[string]struct{})
	var tasks []crawler.TaskItem
	doc.Find(opts.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		raw := firstAttr(sel, opts.Attrs)
		if raw == "" || strings.HasPrefix(raw, "data:") {
			return true
		}
		resolved, err := crawler.ResolveURL(base, raw)
		if err != nil {
			return true
		}
		if opts.SameHost && !crawler.SameHost(resolved, pageURL) {
			return true
		}
		if len(opts.Extensions) > 0 && !hasExtension(resolved, opts.Extensions) {
			return true
		}
		if _, dup := seen[resolved]; dup {
			return true
		}
		seen[resolved] = struct{}{}
		task := crawler.TaskItem{URL: resolved, Referer: pageURL}
		if alt := strings.TrimSpace(sel.AttrOr("alt", "")); alt != "" {
			task.Meta = map[string]string{"alt": alt}
		}
		tasks = append(tasks, task)
		return opts.MaxTasks == 0 || len(tasks) < opts.MaxTasks
	})
	return tasks
}

func firstAttr(sel *goquery.Selection, attrs []string) string {
	for _, attr := range attrs {
		v := strings.TrimSpace(sel.AttrOr(attr, ""))
		if v == "" {
			continue
		}
		if attr == "srcset" {
			v = firstSrcsetCandidate(v)
		}
		if v != "" {
			return v
		}
	}
	return ""
}

// firstSrcsetCandidate returns the URL of the first "url descriptor" pair.
func firstSrcsetCandidate(srcset string) string {
	first, _, _ := strings.Cut(srcset, ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func hasExtension(rawURL string, allowed []string) bool {
	ext := crawler.Extension(rawURL)
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

func normalizeExtensions(in []string) []string {
	out := make([]string, 0, len(in))
	for _, ext := range in {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext != "" {
			out = append(out, ext)
		}
	}
	return out
}
