package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

const defaultDownloadsTable = "downloads"

// DownloadStore writes one row per persisted download.
type DownloadStore struct {
	pool  Pool
	table string
}

// NewDownloadStore constructs a store over an existing pool.
func NewDownloadStore(pool Pool, table string) (*DownloadStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultDownloadsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &DownloadStore{pool: pool, table: table}, nil
}

// StoreDownload implements crawler.RecordStore.
func (s *DownloadStore) StoreDownload(ctx context.Context, record crawler.DownloadRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("download store is not configured")
	}
	if record.ID == "" {
		return fmt.Errorf("record id is required")
	}
	headersJSON, err := json.Marshal(normalizeHeaders(record.Headers))
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	crawl_id,
	url,
	referer,
	blob_uri,
	content_hash,
	content_type,
	status_code,
	bytes,
	headers,
	downloaded_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		record.ID,
		record.CrawlID,
		record.URL,
		record.Referer,
		record.BlobURI,
		record.ContentHash,
		record.ContentType,
		record.StatusCode,
		record.Bytes,
		headersJSON,
		record.DownloadedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert download: %w", err)
	}
	return nil
}

func normalizeHeaders(h http.Header) map[string][]string {
	if len(h) == 0 {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		out[k] = append([]string(nil), values...)
	}
	return out
}
