package crawler

import (
	"maps"
	"net/http"
	"time"
)

// Stage names one phase of the pipeline.
type Stage string

// Pipeline stages in start order.
const (
	StageFeeder     Stage = "feeder"
	StageParser     Stage = "parser"
	StageDownloader Stage = "downloader"
)

// Options carries stage-specific start options. Recognized keys depend on the stage
// and on the configured strategy; anything else is rejected.
type Options map[string]any

// URLItem is a discovered resource location handed from the Feeder to the Parser.
type URLItem struct {
	URL     string            `json:"url"`
	Referer string            `json:"referer,omitempty"`
	Depth   int               `json:"depth"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// TaskItem describes one resource for the Downloader to retrieve.
type TaskItem struct {
	URL      string            `json:"url"`
	Filename string            `json:"filename,omitempty"`
	Referer  string            `json:"referer,omitempty"`
	Headers  http.Header       `json:"headers,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// Clone returns a deep copy so the enqueued value cannot be changed by its producer.
func (u URLItem) Clone() URLItem {
	u.Meta = maps.Clone(u.Meta)
	return u
}

// Clone returns a deep copy so the enqueued value cannot be changed by its producer.
func (t TaskItem) Clone() TaskItem {
	t.Meta = maps.Clone(t.Meta)
	t.Headers = t.Headers.Clone()
	return t
}

// Plan holds the worker counts and start options for a single crawl.
type Plan struct {
	FeederWorkers     int
	ParserWorkers     int
	DownloaderWorkers int
	FeederOptions     Options
	ParserOptions     Options
	DownloaderOptions Options
}

// DownloadRecord is persisted for every resource the Downloader writes.
type DownloadRecord struct {
	ID           string      `json:"id"`
	CrawlID      string      `json:"crawl_id"`
	URL          string      `json:"url"`
	Referer      string      `json:"referer,omitempty"`
	BlobURI      string      `json:"blob_uri"`
	ContentHash  string      `json:"content_hash"`
	ContentType  string      `json:"content_type"`
	StatusCode   int         `json:"status_code"`
	Bytes        int64       `json:"bytes"`
	Headers      http.Header `json:"headers,omitempty"`
	DownloadedAt time.Time   `json:"downloaded_at"`
}

// StageSnapshot reports the state of one stage at an instant.
type StageSnapshot struct {
	Stage  Stage `json:"stage"`
	Active int   `json:"active"`
	Alive  int   `json:"alive"`
	Queued int   `json:"queued"`
}

// Snapshot reports the state of the crawl in progress, if any.
type Snapshot struct {
	Running bool            `json:"running"`
	CrawlID string          `json:"crawl_id,omitempty"`
	Started time.Time       `json:"started_at,omitempty"`
	Stages  []StageSnapshot `json:"stages,omitempty"`
}
