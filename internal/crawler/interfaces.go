package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher performs exactly one network attempt per call.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResult, error)
}

// Normalizer turns a raw payload into a product record. A nil record with a
// nil error means the payload carried no usable data.
type Normalizer interface {
	Normalize(raw RawRecord, sourceURL string) (*ProductRecord, error)
}

// WorkQueue moves URLs between pending, in-flight and dead collections.
type WorkQueue interface {
	Enqueue(ctx context.Context, urls []string) (int, error)
	Claim(ctx context.Context) (string, bool, error)
	Complete(ctx context.Context, url string) error
	DeadLetter(ctx context.Context, url string) error
	ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error)
	Depths(ctx context.Context) (QueueDepths, error)
	// Dead lists the dead-letter collection, oldest first.
	Dead(ctx context.Context) ([]string, error)
}

// ProductStore persists product records idempotently.
type ProductStore interface {
	UpsertBatch(ctx context.Context, records []ProductRecord) ([]UpsertResult, error)
}

// ProductCache short-circuits fetches for recently harvested URLs.
type ProductCache interface {
	Get(ctx context.Context, url string) (*ProductRecord, bool, error)
	Set(ctx context.Context, url string, record ProductRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for change detection.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
