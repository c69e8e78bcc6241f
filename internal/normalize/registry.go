// Package normalize turns fetched payloads into product records using
// strategies chosen by the source domain.
package normalize

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var (
	// ErrNoNormalizer means no strategy is registered for the URL's domain
	// and no default is set.
	ErrNoNormalizer = errors.New("no normalizer registered")
	// ErrUndecodable means the payload could not be parsed at all.
	ErrUndecodable = errors.New("payload could not be decoded")
)

// Func adapts a function to crawler.Normalizer.
type Func func(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error)

// Normalize calls f.
func (f Func) Normalize(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error) {
	return f(raw, sourceURL)
}

// Registry routes payloads to a strategy by domain. Lookups match the host
// exactly or as a subdomain of a registered domain, ignoring a www. prefix.
type Registry struct {
	mu       sync.RWMutex
	byDomain map[string]crawler.Normalizer
	fallback crawler.Normalizer
	logger   *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{byDomain: make(map[string]crawler.Normalizer), logger: logger}
}

// Register binds a strategy to a domain.
func (r *Registry) Register(domain string, n crawler.Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byDomain[canonicalHost(domain)] = n
}

// SetDefault sets the strategy used when no domain matches.
func (r *Registry) SetDefault(n crawler.Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = n
}

// Normalize implements crawler.Normalizer.
func (r *Registry) Normalize(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error) {
	n, domain := r.lookup(sourceURL)
	if n == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoNormalizer, sourceURL)
	}
	rec, err := n.Normalize(raw, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", sourceURL, err)
	}
	if rec == nil {
		r.logger.Debug("no usable product data", zap.String("url", sourceURL), zap.String("strategy", domain))
		return nil, nil
	}
	if rec.SourceURL == "" {
		rec.SourceURL = sourceURL
	}
	return rec, nil
}

func (r *Registry) lookup(sourceURL string) (crawler.Normalizer, string) {
	host := ""
	if u, err := url.Parse(sourceURL); err == nil {
		host = canonicalHost(u.Hostname())
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for host != "" {
		if n, ok := r.byDomain[host]; ok {
			return n, host
		}
		dot := strings.IndexByte(host, '.')
		if dot < 0 {
			break
		}
		host = host[dot+1:]
	}
	if r.fallback != nil {
		return r.fallback, "default"
	}
	return nil, ""
}

func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}
