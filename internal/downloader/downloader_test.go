package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/image-crawler/internal/crawler"
	pubmemory "github.com/JakeFAU/image-crawler/internal/publisher/memory"
	"github.com/JakeFAU/image-crawler/internal/session"
	"github.com/JakeFAU/image-crawler/internal/storage/memory"
)

var pngHeader = []byte("\x89PNG\x0D\x0A\x1A\x0A\x00\x00\x00\x0DIHDR")

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type recordStore struct {
	mu      sync.Mutex
	records []crawler.DownloadRecord
	err     error
}

func (s *recordStore) StoreDownload(_ context.Context, rec crawler.DownloadRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordStore) all() []crawler.DownloadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.DownloadRecord(nil), s.records...)
}

// newImageServer serves /a.png, /b.png ... with distinct bodies, /page.html as
// HTML, /raw with no content type and /missing as 404.
func newImageServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		switch r.URL.Path {
		case "/page.html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>hi</body></html>"))
		case "/raw":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(append(append([]byte(nil), pngHeader...), []byte("raw")...))
		case "/missing":
			http.NotFound(w, r)
		case "/referer.png":
			if r.Header.Get("Referer") != "https://site.test/gallery" || r.Header.Get("X-Token") != "abc" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngHeader)
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(append(append([]byte(nil), pngHeader...), []byte(r.URL.Path)...))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	d       *Downloader
	blobs   *memory.BlobStore
	records *recordStore
	pub     *pubmemory.Publisher
	sess    *session.Session
}

func newFixture(t *testing.T, opts crawler.Options) fixture {
	t.Helper()
	f := fixture{
		blobs:   memory.NewBlobStore(),
		records: &recordStore{},
		pub:     pubmemory.New(),
		sess:    session.New(session.Config{}),
	}
	d, err := New(Config{
		Blobs:     f.blobs,
		Records:   f.records,
		Publisher: f.pub,
		Topic:     "downloads",
		Clock:     fixedClock{t: time.Unix(1700000000, 0).UTC()},
	})
	require.NoError(t, err)
	require.NoError(t, d.Configure(opts))
	f.d = d
	return f
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Blobs: memory.NewBlobStore(), Publisher: pubmemory.New()})
	require.Error(t, err)
}

func TestConfigureRejectsBadOptions(t *testing.T) {
	t.Parallel()

	d, err := New(Config{Blobs: memory.NewBlobStore()})
	require.NoError(t, err)

	cases := map[string]crawler.Options{
		"unknown key":    {"bogus": 1},
		"naming":         {"naming": "random"},
		"negative size":  {"min_size": -1},
		"min over max":   {"min_size": 100, "max_size": 10},
		"negative max":   {"max_num": -2},
		"negative index": {"file_idx_offset": -1},
	}
	for name, opts := range cases {
		err := d.Configure(opts)
		require.ErrorIsf(t, err, crawler.ErrInvalidOption, name)
	}
	require.NoError(t, d.Configure(crawler.Options{"naming": "INDEX", "prefix": "/imgs/"}))
	got := d.options()
	require.Equal(t, NamingIndex, got.Naming)
	require.Equal(t, "imgs", got.Prefix)
	require.Equal(t, []string{"image/"}, got.ContentTypes)
}

func TestRetrieveStoresImageAndRecord(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	f := newFixture(t, crawler.Options{"prefix": "images"})

	ctx := crawler.WithCrawlID(context.Background(), "crawl-1")
	task := crawler.TaskItem{URL: srv.URL + "/a.png", Referer: srv.URL + "/page.html"}
	require.NoError(t, f.d.Retrieve(ctx, task, f.sess))
	require.Equal(t, int64(1), f.d.Stored())

	records := f.records.all()
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "crawl-1", rec.CrawlID)
	require.Equal(t, task.URL, rec.URL)
	require.Equal(t, task.Referer, rec.Referer)
	require.Equal(t, "image/png", rec.ContentType)
	require.Equal(t, http.StatusOK, rec.StatusCode)
	require.Equal(t, "memory://images/"+rec.ContentHash+".png", rec.BlobURI)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), rec.DownloadedAt)

	body, ok := f.blobs.Get("images/" + rec.ContentHash + ".png")
	require.True(t, ok)
	require.Equal(t, rec.Bytes, int64(len(body)))
	require.True(t, bytes.HasPrefix(body, pngHeader))

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "downloads", msgs[0].Topic)
	require.Equal(t, rec, msgs[0].Payload)
}

func TestRetrieveSendsRefererAndTaskHeaders(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	f := newFixture(t, nil)

	task := crawler.TaskItem{
		URL:     srv.URL + "/referer.png",
		Referer: "https://site.test/gallery",
		Headers: http.Header{"X-Token": {"abc"}},
	}
	require.NoError(t, f.d.Retrieve(context.Background(), task, f.sess))
	require.Equal(t, 1, f.blobs.Len())
}

func TestRetrieveFilters(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	tests := []struct {
		name string
		opts crawler.Options
		path string
	}{
		{name: "status", path: "/missing"},
		{name: "content type", path: "/page.html"},
		{name: "too small", opts: crawler.Options{"min_size": 1 << 20}, path: "/a.png"},
		{name: "too large", opts: crawler.Options{"max_size": 4}, path: "/a.png"},
		{name: "type allowlist", opts: crawler.Options{"content_types": "image/jpeg"}, path: "/a.png"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tc.opts)
			err := f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + tc.path}, f.sess)
			require.ErrorIs(t, err, ErrRejected)
			require.Zero(t, f.blobs.Len())
			require.Empty(t, f.records.all())
		})
	}
}

func TestRetrieveSniffsGenericContentType(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	f := newFixture(t, crawler.Options{"naming": "url"})

	require.NoError(t, f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/raw"}, f.sess))
	records := f.records.all()
	require.Len(t, records, 1)
	require.Equal(t, "image/png", records[0].ContentType)
	require.Contains(t, records[0].BlobURI, "_raw_")
	require.Contains(t, records[0].BlobURI, ".png")
}

func TestRetrieveSkipsExistingUnlessOverwrite(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newImageServer(t, &hits)
	task := crawler.TaskItem{URL: srv.URL + "/a.png"}

	f := newFixture(t, nil)
	require.NoError(t, f.d.Retrieve(context.Background(), task, f.sess))
	require.NoError(t, f.d.Retrieve(context.Background(), task, f.sess))
	require.Len(t, f.records.all(), 1)
	require.Equal(t, int64(1), f.d.Stored())

	require.NoError(t, f.d.Configure(crawler.Options{"overwrite": true}))
	require.NoError(t, f.d.Retrieve(context.Background(), task, f.sess))
	require.Len(t, f.records.all(), 2)
	require.Equal(t, int64(3), hits.Load())
}

func TestRetrieveIndexNaming(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	f := newFixture(t, crawler.Options{"naming": "index", "file_idx_offset": 10})

	for _, p := range []string{"/a.png", "/b.png"} {
		require.NoError(t, f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + p}, f.sess))
	}
	_, ok := f.blobs.Get("000011.png")
	require.True(t, ok)
	_, ok = f.blobs.Get("000012.png")
	require.True(t, ok)
}

func TestRetrieveHonorsTaskFilename(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	f := newFixture(t, crawler.Options{"prefix": "x"})

	task := crawler.TaskItem{URL: srv.URL + "/a.png", Filename: "../cover"}
	require.NoError(t, f.d.Retrieve(context.Background(), task, f.sess))
	_, ok := f.blobs.Get("x/cover.png")
	require.True(t, ok)
}

func TestRetrieveMaxNumUnderConcurrency(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	f := newFixture(t, crawler.Options{"max_num": 5})

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task := crawler.TaskItem{URL: fmt.Sprintf("%s/%d.png", srv.URL, i)}
			assert.NoError(t, f.d.Retrieve(context.Background(), task, f.sess))
		}()
	}
	wg.Wait()
	require.Equal(t, 5, f.blobs.Len())
	require.Equal(t, int64(5), f.d.Stored())

	// A failed download frees its slot.
	require.NoError(t, f.d.Configure(crawler.Options{"max_num": 1}))
	err := f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/missing"}, f.sess)
	require.Error(t, err)
	require.NoError(t, f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/late.png"}, f.sess))
	require.Equal(t, int64(1), f.d.Stored())
}

func TestRetrieveSurfacesSinkErrors(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)

	f := newFixture(t, nil)
	f.records.err = errors.New("db down")
	err := f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/a.png"}, f.sess)
	require.ErrorContains(t, err, "store record")

	g := newFixture(t, nil)
	g.pub.FailWith(errors.New("topic gone"))
	err = g.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/a.png"}, g.sess)
	require.ErrorContains(t, err, "publish record")
}

func TestRetrieveReportsBytesWithoutSinks(t *testing.T) {
	t.Parallel()

	srv := newImageServer(t, nil)
	blobs := memory.NewBlobStore()
	d, err := New(Config{Blobs: blobs})
	require.NoError(t, err)

	require.NoError(t, d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/a.png"}, session.New(session.Config{})))
	require.Equal(t, 1, blobs.Len())
}

func TestExtension(t *testing.T) {
	t.Parallel()

	require.Equal(t, "jpg", extension("image/jpeg", "https://a.test/x"))
	require.Equal(t, "svg", extension("image/svg+xml", ""))
	require.Equal(t, "jpg", extension("image/x-unknown", "https://a.test/photo.JPEG"))
	require.Equal(t, "heic", extension("image/heic", "https://a.test/p.heic?x=1"))
	require.Equal(t, "bin", extension("image/heic", "https://a.test/p"))
}


func TestRetrieveRecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	srv := newImageServer(t, nil)
	f := newFixture(t, nil)
	require.Error(t, f.d.Retrieve(context.Background(), crawler.TaskItem{URL: srv.URL + "/missing"}, f.sess))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "downloader.Retrieve", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Contains(t, spans[0].Status.Description, "download rejected")
}
