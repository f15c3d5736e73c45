package crawler

import (
	"context"
	"sync/atomic"
)

type (
	crawlIDKey struct{}
	bytesKey   struct{}
)

// WithCrawlID attaches the crawl run ID to ctx. Crawl does this for every
// strategy call so results can be attributed to their run.
func WithCrawlID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, crawlIDKey{}, id)
}

// CrawlIDFromContext returns the crawl run ID carried by ctx, or "".
func CrawlIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(crawlIDKey{}).(string)
	return id
}

func withByteCounter(ctx context.Context) (context.Context, *atomic.Int64) {
	counter := new(atomic.Int64)
	return context.WithValue(ctx, bytesKey{}, counter), counter
}

// ReportBytes adds n persisted bytes to the item being retrieved under ctx.
// The total travels with the item's progress event. Outside a crawl it is a no-op.
func ReportBytes(ctx context.Context, n int64) {
	if counter, ok := ctx.Value(bytesKey{}).(*atomic.Int64); ok && n > 0 {
		counter.Add(n)
	}
}
