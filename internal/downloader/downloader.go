// Package downloader provides the default retrieval strategy: fetch one image,
// check it against the configured filters and persist it with its record.
package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/image-crawler/internal/clock/system"
	"github.com/JakeFAU/image-crawler/internal/crawler"
	"github.com/JakeFAU/image-crawler/internal/hash/sha256"
	iduuid "github.com/JakeFAU/image-crawler/internal/id/uuid"
	"github.com/JakeFAU/image-crawler/internal/metrics"
	"github.com/JakeFAU/image-crawler/internal/session"
)

// Naming schemes for stored files.
const (
	NamingHash  = "hash"
	NamingIndex = "index"
	NamingURL   = "url"
)

var tracer = otel.Tracer("github.com/JakeFAU/image-crawler/internal/downloader")

// ErrRejected marks a task whose response failed a filter (status, type or size).
var ErrRejected = errors.New("download rejected")

// Options are the downloader start options.
type Options struct {
	// Prefix is prepended to every object key.
	Prefix string `mapstructure:"prefix"`
	// Overwrite replaces objects already present at the same key.
	Overwrite bool  `mapstructure:"overwrite"`
	MinSize   int64 `mapstructure:"min_size"`
	// MaxSize of 0 means unlimited.
	MaxSize int64 `mapstructure:"max_size"`
	// MaxNum caps stored files per crawl; 0 means unlimited.
	MaxNum int `mapstructure:"max_num"`
	// ContentTypes are accepted media type prefixes.
	ContentTypes  []string `mapstructure:"content_types"`
	Naming        string   `mapstructure:"naming"`
	FileIdxOffset int      `mapstructure:"file_idx_offset"`
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() Options {
	return Options{
		ContentTypes: []string{"image/"},
		Naming:       NamingHash,
	}
}

// Config wires the downloader's collaborators. Blobs is required; Records and
// Publisher are optional result sinks.
type Config struct {
	Blobs     crawler.BlobStore
	Records   crawler.RecordStore
	Publisher crawler.Publisher
	Topic     string
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
}

// Downloader implements crawler.RetrievalStrategy and crawler.Configurer.
type Downloader struct {
	cfg Config

	mu   sync.RWMutex
	opts Options

	reserved atomic.Int64
	stored   atomic.Int64
	index    atomic.Int64
}

// New builds a Downloader.
func New(cfg Config) (*Downloader, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Publisher != nil && cfg.Topic == "" {
		return nil, errors.New("publisher topic is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = sha256.New(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = iduuid.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Downloader{cfg: cfg, opts: DefaultOptions()}, nil
}

// Configure implements crawler.Configurer. It also resets the per-crawl
// max_num and index counters.
func (d *Downloader) Configure(opts crawler.Options) error {
	var next Options
	if err := crawler.DecodeOptions(opts, &next); err != nil {
		return err
	}
	defaults := DefaultOptions()
	if _, ok := opts["content_types"]; !ok {
		next.ContentTypes = defaults.ContentTypes
	}
	if _, ok := opts["naming"]; !ok {
		next.Naming = defaults.Naming
	}
	if err := validate(&next); err != nil {
		return err
	}

	d.mu.Lock()
	d.opts = next
	d.mu.Unlock()
	d.reserved.Store(0)
	d.stored.Store(0)
	d.index.Store(0)
	return nil
}

func validate(o *Options) error {
	o.Naming = strings.ToLower(strings.TrimSpace(o.Naming))
	switch o.Naming {
	case NamingHash, NamingIndex, NamingURL:
	default:
		return fmt.Errorf("%w: naming must be one of hash, index, url", crawler.ErrInvalidOption)
	}
	if o.MinSize < 0 || o.MaxSize < 0 {
		return fmt.Errorf("%w: sizes must be >= 0", crawler.ErrInvalidOption)
	}
	if o.MaxSize > 0 && o.MinSize > o.MaxSize {
		return fmt.Errorf("%w: min_size %d exceeds max_size %d", crawler.ErrInvalidOption, o.MinSize, o.MaxSize)
	}
	if o.MaxNum < 0 || o.FileIdxOffset < 0 {
		return fmt.Errorf("%w: max_num and file_idx_offset must be >= 0", crawler.ErrInvalidOption)
	}
	types := o.ContentTypes[:0]
	for _, ct := range o.ContentTypes {
		if ct = strings.ToLower(strings.TrimSpace(ct)); ct != "" {
			types = append(types, ct)
		}
	}
	o.ContentTypes = types
	o.Prefix = strings.Trim(o.Prefix, "/")
	return nil
}

func (d *Downloader) options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

// Stored returns how many files were written since the last Configure.
func (d *Downloader) Stored() int64 {
	return d.stored.Load()
}

// Retrieve implements crawler.RetrievalStrategy.
func (d *Downloader) Retrieve(ctx context.Context, task crawler.TaskItem, sess *session.Session) error {
	ctx, span := tracer.Start(ctx, "downloader.Retrieve",
		trace.WithAttributes(attribute.String("url.full", task.URL)),
	)
	defer span.End()
	if err := d.retrieve(ctx, task, sess); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (d *Downloader) retrieve(ctx context.Context, task crawler.TaskItem, sess *session.Session) error {
	opts := d.options()
	if !d.reserve(opts.MaxNum) {
		d.cfg.Logger.Debug("max_num reached, skipping", zap.String("url", task.URL), zap.Int("max_num", opts.MaxNum))
		return nil
	}
	stored := false
	defer func() {
		if !stored {
			d.release(opts.MaxNum)
		}
	}()

	resp, err := sess.Get(ctx, task.URL, requestHeaders(task))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", ErrRejected, task.URL, resp.StatusCode)
	}
	contentType := resp.ContentType()
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = sniffContentType(resp.Body)
	}
	if !acceptsType(opts.ContentTypes, contentType) {
		return fmt.Errorf("%w: %s has content type %q", ErrRejected, task.URL, contentType)
	}
	size := int64(len(resp.Body))
	if size < opts.MinSize || (opts.MaxSize > 0 && size > opts.MaxSize) {
		return fmt.Errorf("%w: %s is %d bytes", ErrRejected, task.URL, size)
	}

	digest, err := d.cfg.Hasher.Hash(resp.Body)
	if err != nil {
		return fmt.Errorf("hash %s: %w", task.URL, err)
	}
	key := path.Join(opts.Prefix, d.filename(opts, task, digest, contentType))
	if !opts.Overwrite {
		exists, err := d.cfg.Blobs.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check %s: %w", key, err)
		}
		if exists {
			d.cfg.Logger.Debug("object exists, skipping", zap.String("url", task.URL), zap.String("key", key))
			return nil
		}
	}

	uri, err := d.cfg.Blobs.PutObject(ctx, key, contentType, bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	stored = true
	d.stored.Add(1)
	metrics.ObserveDownload(task.URL, len(resp.Body))
	crawler.ReportBytes(ctx, size)

	return d.record(ctx, task, resp, uri, digest, contentType)
}

func (d *Downloader) record(
	ctx context.Context,
	task crawler.TaskItem,
	resp session.Response,
	uri, digest, contentType string,
) error {
	if d.cfg.Records == nil && d.cfg.Publisher == nil {
		return nil
	}
	id, err := d.cfg.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate record id: %w", err)
	}
	rec := crawler.DownloadRecord{
		ID:           id,
		CrawlID:      crawler.CrawlIDFromContext(ctx),
		URL:          task.URL,
		Referer:      task.Referer,
		BlobURI:      uri,
		ContentHash:  digest,
		ContentType:  contentType,
		StatusCode:   resp.StatusCode,
		Bytes:        int64(len(resp.Body)),
		Headers:      resp.Header,
		DownloadedAt: d.cfg.Clock.Now(),
	}
	if d.cfg.Records != nil {
		if err := d.cfg.Records.StoreDownload(ctx, rec); err != nil {
			return fmt.Errorf("store record for %s: %w", task.URL, err)
		}
	}
	if d.cfg.Publisher != nil {
		msgID, err := d.cfg.Publisher.Publish(ctx, d.cfg.Topic, rec)
		if err != nil {
			return fmt.Errorf("publish record for %s: %w", task.URL, err)
		}
		d.cfg.Logger.Debug("download published", zap.String("url", task.URL), zap.String("message_id", msgID))
	}
	return nil
}

// reserve claims a slot under max_num; unlimited when max is 0.
func (d *Downloader) reserve(limit int) bool {
	if limit <= 0 {
		return true
	}
	if d.reserved.Add(1) > int64(limit) {
		d.reserved.Add(-1)
		return false
	}
	return true
}

func (d *Downloader) release(limit int) {
	if limit > 0 {
		d.reserved.Add(-1)
	}
}

func requestHeaders(task crawler.TaskItem) http.Header {
	h := task.Headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	if task.Referer != "" {
		h.Set("Referer", task.Referer)
	}
	return h
}

func acceptsType(accepted []string, contentType string) bool {
	if len(accepted) == 0 {
		return true
	}
	for _, prefix := range accepted {
		if strings.HasPrefix(contentType, prefix) {
			return true
		}
	}
	return false
}

func sniffContentType(body []byte) string {
	ct := http.DetectContentType(body)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = ct[:idx]
	}
	return strings.TrimSpace(ct)
}
