package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *BlobStore {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket"})
	require.NoError(t, err)
	return store
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck // test client
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	objectData := []byte("jpeg-bytes")
	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "multipart", r.URL.Query().Get("uploadType"))
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), string(objectData))
		assert.Contains(t, string(body), "image/jpeg")
		fmt.Fprintln(w, `{"name":"images/a.jpg","bucket":"test-bucket"}`)
	}))

	uri, err := store.PutObject(context.Background(), "images/a.jpg", "image/jpeg", bytes.NewReader(objectData))
	require.NoError(t, err)
	require.Equal(t, "gs://test-bucket/images/a.jpg", uri)

	_, err = store.PutObject(context.Background(), " ", "image/jpeg", bytes.NewReader(objectData))
	require.Error(t, err)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := store.PutObject(context.Background(), "a.jpg", "image/jpeg", bytes.NewReader([]byte("x")))
	require.Error(t, err)
}

func TestExists(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "/o/present.jpg") {
			fmt.Fprintln(w, `{"name":"present.jpg","bucket":"test-bucket"}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"error":{"code":404,"message":"No such object"}}`)
	}))

	ok, err := store.Exists(context.Background(), "present.jpg")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Exists(context.Background(), "missing.jpg")
	require.NoError(t, err)
	require.False(t, ok)
}
