package parser

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/fetcher"
	"github.com/JakeFAU/image-crawler/internal/session"
)

const galleryHTML = `<html><body>
<img src="/img/a.jpg" alt=" first ">
<img data-src="b.png">
<img srcset="https://cdn.example.com/c.webp 1x, https://cdn.example.com/c2.webp 2x">
<img src="data:image/png;base64,AAAA">
<img src="/img/a.jpg#dup">
<img src="https://other.example.org/d.gif">
<img>
</body></html>`

type stubFetcher struct {
	pages map[string]fetcher.Page
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, _ *session.Session, req fetcher.Request) (fetcher.Page, error) {
	if s.err != nil {
		return fetcher.Page{}, s.err
	}
	page, ok := s.pages[req.URL]
	if !ok {
		return fetcher.Page{}, errors.New("not found")
	}
	return page, nil
}

func htmlPage(url, body string) fetcher.Page {
	return fetcher.Page{
		URL:        url,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func extract(t *testing.T, e *Extractor, item crawler.URLItem) []crawler.TaskItem {
	t.Helper()
	var tasks []crawler.TaskItem
	err := e.Extract(context.Background(), item, session.New(session.Config{}), func(task crawler.TaskItem) error {
		tasks = append(tasks, task)
		return nil
	})
	require.NoError(t, err)
	return tasks
}

func taskURLs(tasks []crawler.TaskItem) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.URL)
	}
	return out
}

func TestExtractorDefaults(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{pages: map[string]fetcher.Page{
		"https://example.com/gallery/": htmlPage("https://example.com/gallery/", galleryHTML),
	}}
	e := New(f, nil)
	tasks := extract(t, e, crawler.URLItem{URL: "https://example.com/gallery/"})

	require.Equal(t, []string{
		"https://example.com/img/a.jpg",
		"https://example.com/gallery/b.png",
		"https://cdn.example.com/c.webp",
		"https://other.example.org/d.gif",
	}, taskURLs(tasks))
	require.Equal(t, "https://example.com/gallery/", tasks[0].Referer)
	require.Equal(t, "first", tasks[0].Meta["alt"])
}

func TestExtractorOptions(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{pages: map[string]fetcher.Page{
		"https://example.com/gallery/": htmlPage("https://example.com/gallery/", galleryHTML),
	}}
	e := New(f, nil)

	require.NoError(t, e.Configure(crawler.Options{"same_host": true}))
	require.Equal(t, []string{
		"https://example.com/img/a.jpg",
		"https://example.com/gallery/b.png",
	}, taskURLs(extract(t, e, crawler.URLItem{URL: "https://example.com/gallery/"})))

	require.NoError(t, e.Configure(crawler.Options{"extensions": ".PNG,gif"}))
	require.Equal(t, []string{
		"https://example.com/gallery/b.png",
		"https://other.example.org/d.gif",
	}, taskURLs(extract(t, e, crawler.URLItem{URL: "https://example.com/gallery/"})))

	require.NoError(t, e.Configure(crawler.Options{"max_tasks": 1}))
	require.Len(t, extract(t, e, crawler.URLItem{URL: "https://example.com/gallery/"}), 1)
}

func TestExtractorConfigureRejectsBadOptions(t *testing.T) {
	t.Parallel()

	e := New(&stubFetcher{}, nil)
	for _, opts := range []crawler.Options{
		{"unknown": true},
		{"selector": "  "},
		{"selector": "img["},
		{"max_tasks": -1},
		{"attrs": []string{}},
	} {
		require.ErrorIs(t, e.Configure(opts), crawler.ErrInvalidOption, "options %v", opts)
	}
	require.Equal(t, "img", e.options().Selector)
}

func TestExtractorHandlesNonHTML(t *testing.T) {
	t.Parallel()

	f := &stubFetcher{pages: map[string]fetcher.Page{
		"https://example.com/photo.jpg": {
			URL:    "https://example.com/photo.jpg",
			Header: http.Header{"Content-Type": {"image/jpeg"}},
		},
		"https://example.com/data.json": {
			URL:    "https://example.com/data.json",
			Header: http.Header{"Content-Type": {"application/json"}},
			Body:   []byte(`{"a":1}`),
		},
	}}
	e := New(f, nil)

	tasks := extract(t, e, crawler.URLItem{URL: "https://example.com/photo.jpg", Referer: "https://example.com/"})
	require.Len(t, tasks, 1)
	require.Equal(t, "https://example.com/", tasks[0].Referer)

	require.Empty(t, extract(t, e, crawler.URLItem{URL: "https://example.com/data.json"}))
}

func TestExtractorPropagatesErrors(t *testing.T) {
	t.Parallel()

	e := New(&stubFetcher{err: errors.New("connection reset")}, nil)
	err := e.Extract(context.Background(), crawler.URLItem{URL: "https://example.com"}, session.New(session.Config{}),
		func(crawler.TaskItem) error { return nil })
	require.ErrorContains(t, err, "connection reset")

	f := &stubFetcher{pages: map[string]fetcher.Page{
		"https://example.com/": htmlPage("https://example.com/", galleryHTML),
	}}
	emitErr := errors.New("queue closed")
	err = New(f, nil).Extract(context.Background(), crawler.URLItem{URL: "https://example.com/"}, session.New(session.Config{}),
		func(crawler.TaskItem) error { return emitErr })
	require.ErrorIs(t, err, emitErr)
}

func TestFirstSrcsetCandidate(t *testing.T) {
	t.Parallel()

	require.Equal(t, "a.jpg", firstSrcsetCandidate("a.jpg 1x, b.jpg 2x"))
	require.Equal(t, "a.jpg", firstSrcsetCandidate("  a.jpg"))
	require.Empty(t, firstSrcsetCandidate(" , "))
}
