package crawler

import (
	"net/http"
	"time"
)

// FetchRequest captures everything needed for a single fetch attempt.
type FetchRequest struct {
	URL       string
	Proxy     string
	SessionID string
	Headers   http.Header
}

// FetchResult is the raw outcome of a fetch attempt that reached the server.
type FetchResult struct {
	URL         string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// RawRecord is the payload handed to a normalizer.
type RawRecord struct {
	ContentType string
	Body        []byte
}

// ProductRecord is the normalized entity persisted by the store.
type ProductRecord struct {
	BusinessKey  string    `json:"business_key"`
	Brand        string    `json:"brand"`
	Name         string    `json:"name"`
	Price        float64   `json:"price"`
	Currency     string    `json:"currency"`
	Availability string    `json:"availability"`
	ImageURL     string    `json:"image_url"`
	Ingredients  string    `json:"ingredients"`
	SourceURL    string    `json:"source_url"`
	VersionHash  string    `json:"version_hash"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// UpsertOutcome reports what an upsert did to a business key.
type UpsertOutcome string

// Upsert outcomes.
const (
	UpsertInserted  UpsertOutcome = "inserted"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

// UpsertResult is the per-key result of ProductStore.UpsertBatch.
type UpsertResult struct {
	BusinessKey string
	VersionHash string
	Outcome     UpsertOutcome
}

// Changed reports whether the upsert wrote mutable columns.
func (r UpsertResult) Changed() bool {
	return r.Outcome == UpsertInserted || r.Outcome == UpsertUpdated
}

// QueueDepths summarizes the size of each work collection.
type QueueDepths struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// ProductChangeEvent is published when a product is inserted or updated.
type ProductChangeEvent struct {
	BusinessKey string        `json:"business_key"`
	VersionHash string        `json:"version_hash"`
	SourceURL   string        `json:"source_url"`
	Outcome     UpsertOutcome `json:"outcome"`
	BlobURI     string        `json:"blob_uri,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}
