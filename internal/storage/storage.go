// Package storage holds helpers shared by the product store backends.
package storage

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var (
	// ErrRejected marks a record the store can never accept as written.
	ErrRejected = errors.New("record rejected")
	// ErrNotFound is returned by Get for unknown business keys.
	ErrNotFound = errors.New("product not found")
)

// PrepareBatch stamps each record with its version hash and collapses
// records sharing a business key to the last one, at the position where that
// last one appeared.
func PrepareBatch(records []crawler.ProductRecord, hasher crawler.Hasher) ([]crawler.ProductRecord, error) {
	last := make(map[string]int, len(records))
	for i, rec := range records {
		if rec.BusinessKey == "" {
			return nil, fmt.Errorf("%w: record %d has no business key", ErrRejected, i)
		}
		last[rec.BusinessKey] = i
	}
	out := make([]crawler.ProductRecord, 0, len(last))
	for i, rec := range records {
		if last[rec.BusinessKey] != i {
			continue
		}
		hash, err := crawler.VersionHash(hasher, rec)
		if err != nil {
			return nil, err
		}
		rec.VersionHash = hash
		out = append(out, rec)
	}
	return out, nil
}

// IsPermanent reports whether a write error will recur for the same record:
// ErrRejected, or a Postgres data exception (SQLSTATE class 22) or integrity
// violation (class 23). Connectivity and other errors are transient.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrRejected) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23":
			return true
		}
	}
	return false
}
