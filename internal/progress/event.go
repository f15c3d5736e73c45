package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported progress kinds.
const (
	KindCrawlStart Kind = "CRAWL_START"
	KindStageStart Kind = "STAGE_START"
	KindItemDone   Kind = "ITEM_DONE"
	KindItemFailed Kind = "ITEM_FAILED"
	KindCrawlDone  Kind = "CRAWL_DONE"
	KindCrawlError Kind = "CRAWL_ERROR"
)

// Event captures a single component of crawl progress.
type Event struct {
	// CrawlID uniquely identifies a crawl run using the 16-byte UUID form.
	CrawlID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Kind denotes which lifecycle or item milestone occurred.
	Kind Kind
	// Stage names the pipeline stage for stage and item events.
	Stage string
	// URL is the optional item URL; it should not contain credentials.
	URL string
	// Bytes carries the persisted size for downloader items.
	Bytes int64
	// Dur captures item processing or crawl latency.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CrawlID == [16]byte{} {
		return errors.New("crawl id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawlStart, KindCrawlDone, KindCrawlError:
	case KindStageStart, KindItemDone, KindItemFailed:
		if e.Stage == "" {
			return fmt.Errorf("%s requires stage", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CrawlUUID converts the binary crawl ID to uuid.UUID.
func (e Event) CrawlUUID() uuid.UUID {
	return uuid.UUID(e.CrawlID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}
