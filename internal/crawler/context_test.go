package crawler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCrawlIDFromContext(t *testing.T) {
	t.Parallel()

	require.Empty(t, CrawlIDFromContext(context.Background()))
	ctx := WithCrawlID(context.Background(), "run-1")
	require.Equal(t, "run-1", CrawlIDFromContext(ctx))
}

func TestReportBytes(t *testing.T) {
	t.Parallel()

	// No counter attached: must not panic.
	ReportBytes(context.Background(), 10)

	ctx, counter := withByteCounter(context.Background())
	ReportBytes(ctx, 10)
	ReportBytes(ctx, 0)
	ReportBytes(ctx, -5)
	ReportBytes(ctx, 32)
	require.Equal(t, int64(42), counter.Load())
}
