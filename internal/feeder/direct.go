package feeder

import (
	"context"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// Direct emits every seed unchanged. It takes no options.
type Direct struct{}

// Discover implements crawler.DiscoveryStrategy.
func (Direct) Discover(_ context.Context, seed crawler.URLItem, _ *session.Session, emit, _ crawler.Emit[crawler.URLItem]) error {
	return emit(seed)
}
