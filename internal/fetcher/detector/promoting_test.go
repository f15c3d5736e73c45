package detector

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/image-crawler/internal/fetcher"
	"github.com/JakeFAU/image-crawler/internal/session"
)

type stubFetcher struct {
	page  fetcher.Page
	err   error
	calls int
}

func (s *stubFetcher) Fetch(context.Context, *session.Session, fetcher.Request) (fetcher.Page, error) {
	s.calls++
	return s.page, s.err
}

func TestFetcherPromotesClientRenderedPages(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{page: htmlPage(http.StatusOK, `<div id="root"></div>`)}
	renderedPage := htmlPage(http.StatusOK, `<div id="root"><img src="/a.png"></div>`)
	renderedPage.Rendered = true
	headless := &stubFetcher{page: renderedPage}

	f := NewFetcher(plain, headless, nil, nil)
	page, err := f.Fetch(context.Background(), nil, fetcher.Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.True(t, page.Rendered)
	require.Equal(t, 1, headless.calls)
}

func TestFetcherKeepsStaticPages(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{page: htmlPage(http.StatusOK, `<p><img src="/a.png"></p>`)}
	headless := &stubFetcher{}

	page, err := NewFetcher(plain, headless, nil, nil).Fetch(context.Background(), nil, fetcher.Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.False(t, page.Rendered)
	require.Zero(t, headless.calls)
}

func TestFetcherFallsBackWhenHeadlessFails(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{page: htmlPage(http.StatusOK, `<div id="app"></div>`)}
	headless := &stubFetcher{err: errors.New("browser crashed")}

	page, err := NewFetcher(plain, headless, nil, nil).Fetch(context.Background(), nil, fetcher.Request{URL: "https://example.com/"})
	require.NoError(t, err)
	require.Equal(t, plain.page.Body, page.Body)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFetcher(plain, headless, nil, nil).Fetch(ctx, nil, fetcher.Request{URL: "https://example.com/"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetcherPropagatesPlainError(t *testing.T) {
	t.Parallel()

	plain := &stubFetcher{err: errors.New("dial tcp: refused")}
	headless := &stubFetcher{}

	_, err := NewFetcher(plain, headless, nil, nil).Fetch(context.Background(), nil, fetcher.Request{URL: "https://example.com/"})
	require.ErrorContains(t, err, "refused")
	require.Zero(t, headless.calls)
}
