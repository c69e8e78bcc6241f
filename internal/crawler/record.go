package crawler

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CanonicalBytes renders the business fields of a record as JSON with sorted
// keys. Timestamps and the version hash are excluded so that re-observing the
// same content always yields the same bytes.
func CanonicalBytes(rec ProductRecord) ([]byte, error) {
	fields := map[string]string{
		"availability": rec.Availability,
		"brand":        rec.Brand,
		"business_key": rec.BusinessKey,
		"currency":     rec.Currency,
		"image_url":    rec.ImageURL,
		"ingredients":  rec.Ingredients,
		"name":         rec.Name,
		"price":        strconv.FormatFloat(rec.Price, 'f', -1, 64),
		"source_url":   rec.SourceURL,
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical record: %w", err)
	}
	return data, nil
}

// VersionHash computes the change-detection digest of a record.
func VersionHash(h Hasher, rec ProductRecord) (string, error) {
	data, err := CanonicalBytes(rec)
	if err != nil {
		return "", err
	}
	sum, err := h.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return sum, nil
}
