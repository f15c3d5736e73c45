package postgres

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/image-crawler/internal/crawler"
)

func TestStoreDownloadInsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDownloadStore(mock, "downloads")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rec := crawler.DownloadRecord{
		ID:           "uuid-v7",
		CrawlID:      "crawl-1",
		URL:          "https://example.com/a.jpg",
		Referer:      "https://example.com/",
		BlobURI:      "gs://bucket/images/abc.jpg",
		ContentHash:  "abc123",
		ContentType:  "image/jpeg",
		StatusCode:   200,
		Bytes:        42,
		Headers:      http.Header{"Content-Type": {"image/jpeg"}},
		DownloadedAt: now,
	}

	mock.ExpectExec("INSERT INTO downloads").
		WithArgs(
			rec.ID,
			rec.CrawlID,
			rec.URL,
			rec.Referer,
			rec.BlobURI,
			rec.ContentHash,
			rec.ContentType,
			rec.StatusCode,
			rec.Bytes,
			[]byte(`{"Content-Type":["image/jpeg"]}`),
			rec.DownloadedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.StoreDownload(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDownloadErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDownloadStore(mock, "")
	require.NoError(t, err)

	require.Error(t, store.StoreDownload(context.Background(), crawler.DownloadRecord{}))

	mock.ExpectExec("INSERT INTO downloads").WillReturnError(errors.New("connection refused"))
	err = store.StoreDownload(context.Background(), crawler.DownloadRecord{ID: "x"})
	require.ErrorContains(t, err, "insert download")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDownloadStoreValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewDownloadStore(mock, "downloads; DROP TABLE x")
	require.Error(t, err)
	_, err = NewDownloadStore(nil, "downloads")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS images").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS stage_stats").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock, "images"))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Error(t, EnsureSchema(context.Background(), mock, "bad-name"))
}

func TestConnectRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{})
	require.Error(t, err)
	_, err = Connect(context.Background(), Config{DSN: "://bad"})
	require.Error(t, err)
}
