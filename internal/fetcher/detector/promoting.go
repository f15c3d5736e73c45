package detector

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/fetcher"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// Detector decides whether a fetched page should be re-fetched headless.
type Detector interface {
	ShouldPromote(page fetcher.Page) bool
}

// Fetcher fetches with a plain fetcher first and re-fetches through a
// headless one when the detector asks for it.
type Fetcher struct {
	plain    fetcher.Fetcher
	headless fetcher.Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewFetcher wires a promoting fetcher. A nil detector uses NewHeuristic(0).
func NewFetcher(plain, headless fetcher.Fetcher, d Detector, logger *zap.Logger) *Fetcher {
	if d == nil {
		d = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{plain: plain, headless: headless, detector: d, logger: logger}
}

// Fetch implements fetcher.Fetcher. When the headless fetch fails the plain
// page is returned so extraction still sees whatever static markup exists.
func (f *Fetcher) Fetch(ctx context.Context, sess *session.Session, req fetcher.Request) (fetcher.Page, error) {
	page, err := f.plain.Fetch(ctx, sess, req)
	if err != nil {
		return page, err
	}
	if !f.detector.ShouldPromote(page) {
		return page, nil
	}
	f.logger.Debug("promoting page to headless", zap.String("url", req.URL))
	rendered, err := f.headless.Fetch(ctx, sess, req)
	if err != nil {
		if ctx.Err() != nil {
			return fetcher.Page{}, ctx.Err()
		}
		f.logger.Warn("headless promotion failed, using plain page",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return page, nil
	}
	return rendered, nil
}
