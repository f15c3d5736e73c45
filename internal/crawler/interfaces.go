package crawler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/image-crawler/internal/session"
)

// Emit pushes one produced item downstream.
type Emit[T any] func(T) error

// DiscoveryStrategy turns a seed into URL items. It may call reseed to schedule
// further seeds for the Feeder; the crawl does not finish until those are processed.
type DiscoveryStrategy interface {
	Discover(ctx context.Context, seed URLItem, sess *session.Session, emit Emit[URLItem], reseed Emit[URLItem]) error
}

// ExtractionStrategy turns a URL item into zero or more download tasks.
type ExtractionStrategy interface {
	Extract(ctx context.Context, item URLItem, sess *session.Session, emit Emit[TaskItem]) error
}

// RetrievalStrategy performs the terminal write for a task.
type RetrievalStrategy interface {
	Retrieve(ctx context.Context, task TaskItem, sess *session.Session) error
}

// Configurer is implemented by strategies that accept start options.
type Configurer interface {
	Configure(opts Options) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordStore persists download metadata.
type RecordStore interface {
	StoreDownload(ctx context.Context, record DownloadRecord) error
}

// Hasher computes digests for naming and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces crawl and record IDs.
type IDGenerator interface {
	NewID() (string, error)
	NewRawID() (uuid.UUID, error)
}
