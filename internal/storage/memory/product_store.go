package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/storage"
)

// ProductStore is an in-memory crawler.ProductStore with the same
// conditional-update semantics as the Postgres store.
type ProductStore struct {
	mu               sync.RWMutex
	rows             map[string]crawler.ProductRecord
	hasher           crawler.Hasher
	clock            crawler.Clock
	refreshUnchanged bool
}

// NewProductStore constructs an empty store.
func NewProductStore(hasher crawler.Hasher, clock crawler.Clock, refreshUnchanged bool) *ProductStore {
	return &ProductStore{
		rows:             make(map[string]crawler.ProductRecord),
		hasher:           hasher,
		clock:            clock,
		refreshUnchanged: refreshUnchanged,
	}
}

// UpsertBatch inserts new keys and rewrites existing ones only when their
// version hash changed.
func (s *ProductStore) UpsertBatch(_ context.Context, records []crawler.ProductRecord) ([]crawler.UpsertResult, error) {
	batch, err := storage.PrepareBatch(records, s.hasher)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]crawler.UpsertResult, 0, len(batch))
	for _, rec := range batch {
		result := crawler.UpsertResult{BusinessKey: rec.BusinessKey, VersionHash: rec.VersionHash}
		existing, ok := s.rows[rec.BusinessKey]
		switch {
		case !ok:
			rec.FirstSeenAt = now
			rec.LastSeenAt = now
			s.rows[rec.BusinessKey] = rec
			result.Outcome = crawler.UpsertInserted
		case existing.VersionHash != rec.VersionHash:
			rec.FirstSeenAt = existing.FirstSeenAt
			rec.LastSeenAt = latest(existing.LastSeenAt, now)
			s.rows[rec.BusinessKey] = rec
			result.Outcome = crawler.UpsertUpdated
		default:
			if s.refreshUnchanged {
				existing.LastSeenAt = latest(existing.LastSeenAt, now)
				s.rows[rec.BusinessKey] = existing
			}
			result.Outcome = crawler.UpsertUnchanged
		}
		results = append(results, result)
	}
	return results, nil
}

// Get returns the stored record for a business key, or storage.ErrNotFound.
func (s *ProductStore) Get(_ context.Context, businessKey string) (crawler.ProductRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rows[businessKey]
	if !ok {
		return crawler.ProductRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// Len returns the number of stored products.
func (s *ProductStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
