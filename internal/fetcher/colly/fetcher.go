// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/fetcher"
)

const defaultTimeout = 60 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	DefaultHeaders map[string]string
	MaxBodySize    int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every call
// builds a fresh collector so cookies never leak between sessions.
type Fetcher struct {
	cfg Config

	mu         sync.Mutex
	transports map[string]*http.Transport
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Fetcher{
		cfg:        cfg,
		transports: make(map[string]*http.Transport),
	}
}

// Fetch executes a single HTTP GET through request.Proxy. Non-2xx responses
// are returned as results; only transport failures produce an error, and
// those are always *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResult, error) {
	transport, release, err := f.transportFor(request)
	if err != nil {
		return crawler.FetchResult{}, &crawler.FetchError{Kind: crawler.FetchErrorOther, Err: err}
	}
	defer release()

	var (
		result   crawler.FetchResult
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, transport, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return crawler.FetchResult{}, crawler.NewFetchError(err)
	}
	return result, nil
}

// Close drops idle connections held by cached proxy transports.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, t := range f.transports {
		t.CloseIdleConnections()
		delete(f.transports, key)
	}
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	transport http.RoundTripper,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) *colly.Collector {
	collector := colly.NewCollector(colly.Async(false), colly.StdlibContext(ctx))
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize
	}
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(transport)

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	headers := fetcher.MergeHeaders(f.cfg.DefaultHeaders, request.Headers)
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		respHeaders := http.Header{}
		if r.Headers != nil {
			respHeaders = r.Headers.Clone()
		}
		finalURL := request.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = crawler.FetchResult{
			URL:         finalURL,
			StatusCode:  r.StatusCode,
			Headers:     respHeaders,
			Body:        append([]byte(nil), r.Body...),
			ContentType: respHeaders.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		// the request carries ctx, so Visit unwinds promptly; wait for it so
		// no hook writes after Fetch returns
		<-done
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if ctx.Err() != nil {
			return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// transportFor returns the transport for the request's proxy. Static
// endpoints share a pooled transport; session-scoped endpoints get a
// throwaway one so each session exits through its own tunnel.
func (f *Fetcher) transportFor(request crawler.FetchRequest) (*http.Transport, func(), error) {
	proxyURL, err := fetcher.ProxyURL(request.Proxy, request.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if fetcher.IsSessionScoped(request.Proxy) {
		t := newHTTPTransport(proxyURL)
		return t, t.CloseIdleConnections, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transports[request.Proxy]
	if !ok {
		t = newHTTPTransport(proxyURL)
		f.transports[request.Proxy] = t
	}
	return t, func() {}, nil
}

func newHTTPTransport(proxy *url.URL) *http.Transport {
	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}
