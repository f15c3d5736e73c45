package feeder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// PagePlaceholder is replaced by the page number in seed templates.
const PagePlaceholder = "{page}"

// PaginationOptions are the feeder options accepted by Pagination.
type PaginationOptions struct {
	Start int `mapstructure:"start"`
	Pages int `mapstructure:"pages"`
	Step  int `mapstructure:"step"`
}

// Pagination expands a seed such as "https://example.com/list?page={page}"
// into one URL per page. Seeds without the placeholder pass through.
type Pagination struct {
	mu   sync.RWMutex
	opts PaginationOptions
}

// NewPagination returns a Pagination that yields a single page starting at 1.
func NewPagination() *Pagination {
	return &Pagination{opts: PaginationOptions{Start: 1, Pages: 1, Step: 1}}
}

// Configure implements crawler.Configurer.
func (p *Pagination) Configure(opts crawler.Options) error {
	next := PaginationOptions{Start: 1, Pages: 1, Step: 1}
	if err := crawler.DecodeOptions(opts, &next); err != nil {
		return err
	}
	if next.Pages < 1 {
		return fmt.Errorf("%w: pages must be >= 1", crawler.ErrInvalidOption)
	}
	if next.Step < 1 {
		return fmt.Errorf("%w: step must be >= 1", crawler.ErrInvalidOption)
	}
	p.mu.Lock()
	p.opts = next
	p.mu.Unlock()
	return nil
}

// Discover implements crawler.DiscoveryStrategy.
func (p *Pagination) Discover(ctx context.Context, seed crawler.URLItem, _ *session.Session, emit, _ crawler.Emit[crawler.URLItem]) error {
	if !strings.Contains(seed.URL, PagePlaceholder) {
		return emit(seed)
	}
	p.mu.RLock()
	opts := p.opts
	p.mu.RUnlock()

	for i := 0; i < opts.Pages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		page := seed.Clone()
		page.URL = strings.ReplaceAll(seed.URL, PagePlaceholder, strconv.Itoa(opts.Start+i*opts.Step))
		if err := emit(page); err != nil {
			return err
		}
	}
	return nil
}
