// Package queue holds the pieces shared by the work queue backends.
package queue

import (
	"strings"
)

// Options configures a work queue backend.
type Options struct {
	// Dedupe keeps a URL in the seen set for the lifetime of the set, so it
	// is accepted only once. Without it a URL may be enqueued again after it
	// completes.
	Dedupe bool
}

// NormalizeURLs trims blanks and drops duplicates, keeping first occurrence order.
func NormalizeURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
