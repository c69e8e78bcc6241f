// Package crawler defines the types and interfaces shared by the harvesting
// pipeline: fetch requests and results, product records, and the seams the
// worker composes (fetchers, normalizers, queues, stores, caches).
package crawler
