package feeder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/fetcher"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// LinksOptions are the feeder options accepted by Links.
type LinksOptions struct {
	// MaxDepth is how many hops to follow from a seed; 0 emits only seeds.
	MaxDepth int `mapstructure:"max_depth"`
	// SameHost restricts followed links to the host of the page they were found on.
	SameHost bool `mapstructure:"same_host"`
	// MaxLinks caps followed links per page; 0 means unlimited.
	MaxLinks int `mapstructure:"max_links"`
	// Selector picks link elements; their href is followed.
	Selector string `mapstructure:"selector"`
	// DenyDomains lists hosts never followed; "*.example.com" matches subdomains.
	DenyDomains []string `mapstructure:"deny_domains"`
}

func defaultLinksOptions() LinksOptions {
	return LinksOptions{MaxDepth: 1, SameHost: true, Selector: "a[href]"}
}

// Links emits each seed page and re-seeds the pages it links to until
// MaxDepth. Every URL is emitted at most once per crawl.
type Links struct {
	fetch  fetcher.Fetcher
	logger *zap.Logger

	mu      sync.RWMutex
	opts    LinksOptions
	deny    *crawler.DomainMatcher
	visited sync.Map
}

// NewLinks builds a Links strategy fetching pages with f.
func NewLinks(f fetcher.Fetcher, logger *zap.Logger) *Links {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Links{fetch: f, logger: logger, opts: defaultLinksOptions()}
}

// Configure implements crawler.Configurer. It also forgets previously visited
// URLs, so each crawl starts fresh.
func (l *Links) Configure(opts crawler.Options) error {
	next := defaultLinksOptions()
	if err := crawler.DecodeOptions(opts, &next); err != nil {
		return err
	}
	if next.MaxDepth < 0 {
		return fmt.Errorf("%w: max_depth must be >= 0", crawler.ErrInvalidOption)
	}
	if next.MaxLinks < 0 {
		return fmt.Errorf("%w: max_links must be >= 0", crawler.ErrInvalidOption)
	}
	if strings.TrimSpace(next.Selector) == "" {
		return fmt.Errorf("%w: selector must not be empty", crawler.ErrInvalidOption)
	}
	l.mu.Lock()
	l.opts = next
	l.deny = crawler.NewDomainMatcher(next.DenyDomains)
	l.mu.Unlock()
	l.visited.Clear()
	return nil
}

// Discover implements crawler.DiscoveryStrategy.
func (l *Links) Discover(
	ctx context.Context,
	seed crawler.URLItem,
	sess *session.Session,
	emit, reseed crawler.Emit[crawler.URLItem],
) error {
	l.mu.RLock()
	opts, deny := l.opts, l.deny
	l.mu.RUnlock()

	// Followed links were claimed when they were re-seeded.
	if seed.Depth == 0 && !l.claim(seed.URL) {
		return nil
	}
	if err := emit(seed); err != nil {
		return err
	}
	if seed.Depth >= opts.MaxDepth {
		return nil
	}

	page, err := l.fetch.Fetch(ctx, sess, fetcher.Request{URL: seed.URL, Referer: seed.Referer})
	if err != nil {
		return fmt.Errorf("fetch %s: %w", seed.URL, err)
	}
	if !page.IsHTML() {
		return nil
	}
	doc, err := page.Document()
	if err != nil {
		return err
	}
	links := l.links(doc, page.URL, opts, deny)
	l.logger.Debug("links discovered",
		zap.String("url", page.URL),
		zap.Int("depth", seed.Depth),
		zap.Int("links", len(links)),
	)
	for _, link := range links {
		next := crawler.URLItem{URL: link, Referer: page.URL, Depth: seed.Depth + 1, Meta: seed.Meta}
		if err := reseed(next); err != nil {
			return err
		}
	}
	return nil
}

func (l *Links) links(doc *goquery.Document, pageURL string, opts LinksOptions, deny *crawler.DomainMatcher) []string {
	base := fetcher.BaseURL(doc, pageURL)
	var out []string
	doc.Find(opts.Selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		resolved, err := crawler.ResolveURL(base, href)
		if err != nil {
			return true
		}
		if opts.SameHost && !crawler.SameHost(resolved, pageURL) {
			return true
		}
		if deny.MatchesURL(resolved) {
			return true
		}
		if !l.claim(resolved) {
			return true
		}
		out = append(out, resolved)
		return opts.MaxLinks == 0 || len(out) < opts.MaxLinks
	})
	return out
}

// claim marks rawURL visited and reports whether this call was the first.
func (l *Links) claim(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	_, loaded := l.visited.LoadOrStore(key, struct{}{})
	return !loaded
}
