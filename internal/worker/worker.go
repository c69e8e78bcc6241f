// Package worker runs the harvest pipeline for a single claimed URL.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/detector"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/storage"
)

// ErrRetriesExhausted is returned when every attempt for a URL failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Result is the terminal state of one Process call.
type Result string

// Process results.
const (
	// ResultStored means a record was upserted and the URL completed.
	ResultStored Result = "stored"
	// ResultCached means a cached record was re-upserted without fetching.
	ResultCached Result = "cached"
	// ResultEmpty means the payload held no product; completed without a write.
	ResultEmpty Result = "empty"
	// ResultSkipped means a terminal non-2xx status; completed without a write.
	ResultSkipped Result = "skipped"
	// ResultDead means the URL was dead-lettered.
	ResultDead Result = "dead"
	// ResultDeferred means the URL was left in-flight for reclamation.
	ResultDeferred Result = "deferred"
)

// ProxySelector hands out proxies and takes their health signals.
type ProxySelector interface {
	Select() (string, bool)
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// HealthRecorder takes global success/failure signals.
type HealthRecorder interface {
	RecordSuccess()
	RecordFailure()
}

// Pacer delays requests per host.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// ResponseClassifier decides whether a response is a block.
type ResponseClassifier interface {
	Classify(status int, body []byte, expectJSON bool) detector.Category
}

// RetryPolicy bounds attempts and spaces them.
type RetryPolicy interface {
	MaxAttempts() int
	Backoff(attempt int) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	FetchTimeout  time.Duration
	Accept        string
	ArchivePrefix string
	Topic         string
}

// Dependencies wires the collaborators of a Worker. Proxies, Pacer, Cache,
// Archive and Publisher are optional. A nil Proxies connects directly.
type Dependencies struct {
	Queue      crawler.WorkQueue
	Fetcher    crawler.Fetcher
	Normalizer crawler.Normalizer
	Store      crawler.ProductStore
	Proxies    ProxySelector
	Health     HealthRecorder
	Pacer      Pacer
	Classifier ResponseClassifier
	Retry      RetryPolicy
	Cache      crawler.ProductCache
	Archive    crawler.BlobStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
}

// Worker processes claimed URLs end to end.
type Worker struct {
	deps   Dependencies
	cfg    Config
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Worker, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("worker: queue is required")
	case deps.Fetcher == nil:
		return nil, errors.New("worker: fetcher is required")
	case deps.Normalizer == nil:
		return nil, errors.New("worker: normalizer is required")
	case deps.Store == nil:
		return nil, errors.New("worker: store is required")
	case deps.Health == nil:
		return nil, errors.New("worker: health recorder is required")
	case deps.Retry == nil:
		return nil, errors.New("worker: retry policy is required")
	case deps.Hasher == nil || deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("worker: hasher, clock and id generator are required")
	}
	if deps.Classifier == nil {
		deps.Classifier = detector.NewClassifier(nil)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}, nil
}

type attemptOutcome int

const (
	attemptFailed attemptOutcome = iota
	attemptSucceeded
	attemptTerminal
)

// Process harvests one URL and moves it to its next queue state. A non-nil
// error means the URL was left in-flight (cancellation, transient storage or
// queue failure) or dead-lettered (attempts exhausted, undecodable payload,
// record rejected by the store).
func (w *Worker) Process(ctx context.Context, target string) (Result, error) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("url", target))

	if rec, ok := w.cached(ctx, logger, target); ok {
		return w.finish(ctx, logger, target, ResultCached, w.persist(ctx, logger, target, *rec, "", false))
	}

	res, outcome, err := w.fetchWithRetry(ctx, logger, target)
	switch {
	case err != nil && ctx.Err() != nil:
		logger.Info("processing canceled; leaving in-flight", zap.Error(err))
		return w.done(ResultDeferred), fmt.Errorf("process %s: %w", target, err)
	case err != nil:
		logger.Warn("retries exhausted; dead-lettering", zap.Error(err))
		if dlErr := w.deps.Queue.DeadLetter(ctx, target); dlErr != nil {
			return w.done(ResultDeferred), fmt.Errorf("dead-letter %s: %w", target, dlErr)
		}
		return w.done(ResultDead), fmt.Errorf("process %s: %w", target, err)
	case outcome == attemptTerminal:
		logger.Info("terminal status; skipping", zap.Int("status", res.StatusCode))
		return w.finish(ctx, logger, target, ResultSkipped, nil)
	}

	blobURI := w.archive(ctx, logger, target, res)

	rec, err := w.deps.Normalizer.Normalize(crawler.RawRecord{ContentType: res.ContentType, Body: res.Body}, target)
	if err != nil {
		logger.Warn("normalize failed; dead-lettering", zap.Error(err))
		if dlErr := w.deps.Queue.DeadLetter(ctx, target); dlErr != nil {
			return w.done(ResultDeferred), fmt.Errorf("dead-letter %s: %w", target, dlErr)
		}
		return w.done(ResultDead), fmt.Errorf("normalize %s: %w", target, err)
	}
	if rec == nil {
		logger.Info("no product data in payload")
		return w.finish(ctx, logger, target, ResultEmpty, nil)
	}
	if rec.SourceURL == "" {
		rec.SourceURL = target
	}
	return w.finish(ctx, logger, target, ResultStored, w.persist(ctx, logger, target, *rec, blobURI, true))
}

// finish completes the URL. A transient persistErr leaves it in-flight for
// reclamation; a permanent one dead-letters it.
func (w *Worker) finish(ctx context.Context, logger *zap.Logger, target string, result Result, persistErr error) (Result, error) {
	switch {
	case persistErr != nil && storage.IsPermanent(persistErr):
		logger.Error("record rejected by store; dead-lettering", zap.Error(persistErr))
		if dlErr := w.deps.Queue.DeadLetter(ctx, target); dlErr != nil {
			return w.done(ResultDeferred), fmt.Errorf("dead-letter %s: %w", target, dlErr)
		}
		return w.done(ResultDead), persistErr
	case persistErr != nil:
		logger.Error("persist failed; leaving in-flight", zap.Error(persistErr))
		return w.done(ResultDeferred), persistErr
	}
	if err := w.deps.Queue.Complete(ctx, target); err != nil {
		logger.Error("complete failed", zap.Error(err))
		return w.done(ResultDeferred), fmt.Errorf("complete %s: %w", target, err)
	}
	logger.Debug("url processed", zap.String("result", string(result)))
	return w.done(result), nil
}

func (w *Worker) done(result Result) Result {
	metrics.ObserveItem(string(result))
	return result
}

func (w *Worker) cached(ctx context.Context, logger *zap.Logger, target string) (*crawler.ProductRecord, bool) {
	if w.deps.Cache == nil {
		return nil, false
	}
	rec, ok, err := w.deps.Cache.Get(ctx, target)
	if err != nil {
		logger.Warn("cache lookup failed", zap.Error(err))
		return nil, false
	}
	if ok {
		logger.Debug("cache hit")
	}
	return rec, ok
}

func (w *Worker) fetchWithRetry(ctx context.Context, logger *zap.Logger, target string) (crawler.FetchResult, attemptOutcome, error) {
	maxAttempts := w.deps.Retry.MaxAttempts()
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, outcome, err := w.attempt(ctx, logger.With(zap.Int("attempt", attempt)), target)
		if outcome != attemptFailed {
			return res, outcome, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return crawler.FetchResult{}, attemptFailed, fmt.Errorf("attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == maxAttempts {
			break
		}
		if err := w.sleep(ctx, w.deps.Retry.Backoff(attempt-1)); err != nil {
			return crawler.FetchResult{}, attemptFailed, fmt.Errorf("backoff: %w", err)
		}
	}
	return crawler.FetchResult{}, attemptFailed, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

// attempt performs one fetch through a freshly selected proxy and session.
func (w *Worker) attempt(ctx context.Context, logger *zap.Logger, target string) (crawler.FetchResult, attemptOutcome, error) {
	proxy := ""
	if w.deps.Proxies != nil {
		endpoint, ok := w.deps.Proxies.Select()
		if !ok {
			metrics.ObserveFetch(target, "no_proxy", 0, 0)
			logger.Warn("no proxy available")
			return crawler.FetchResult{}, attemptFailed, errors.New("no proxy available")
		}
		proxy = endpoint
		logger = logger.With(zap.String("proxy", metrics.ProxyLabel(proxy)))
	}

	if w.deps.Pacer != nil {
		if err := w.deps.Pacer.Wait(ctx, target); err != nil {
			return crawler.FetchResult{}, attemptFailed, err
		}
	}

	sessionID, err := w.deps.IDs.NewID()
	if err != nil {
		logger.Error("session id generation failed", zap.Error(err))
		return crawler.FetchResult{}, attemptFailed, fmt.Errorf("session id: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	headers := http.Header{}
	if w.cfg.Accept != "" {
		headers.Set("Accept", w.cfg.Accept)
	}
	res, err := w.deps.Fetcher.Fetch(fetchCtx, crawler.FetchRequest{
		URL:       target,
		Proxy:     proxy,
		SessionID: sessionID,
		Headers:   headers,
	})
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResult{}, attemptFailed, ctx.Err()
		}
		kind := crawler.ClassifyFetchError(err)
		metrics.ObserveFetch(target, string(kind), 0, 0)
		w.recordFailure(proxy)
		logger.Warn("fetch failed", zap.String("kind", string(kind)), zap.Error(err))
		return crawler.FetchResult{}, attemptFailed, err
	}

	category := w.deps.Classifier.Classify(res.StatusCode, res.Body, detector.ExpectsJSON(target, w.cfg.Accept))
	switch {
	case category.Blocked():
		metrics.ObserveFetch(target, "blocked", res.Duration, len(res.Body))
		metrics.ObserveBlock(string(category))
		w.recordFailure(proxy)
		logger.Warn("response blocked",
			zap.Int("status", res.StatusCode),
			zap.String("category", string(category)),
		)
		return crawler.FetchResult{}, attemptFailed, fmt.Errorf("blocked: %s (status %d)", category, res.StatusCode)
	case res.StatusCode >= http.StatusInternalServerError:
		metrics.ObserveFetch(target, "server_error", res.Duration, len(res.Body))
		w.recordFailure(proxy)
		logger.Warn("server error", zap.Int("status", res.StatusCode))
		return crawler.FetchResult{}, attemptFailed, fmt.Errorf("server error: status %d", res.StatusCode)
	case res.StatusCode < 200 || res.StatusCode >= 300:
		metrics.ObserveFetch(target, "terminal", res.Duration, len(res.Body))
		w.recordSuccess(proxy)
		return res, attemptTerminal, nil
	}

	metrics.ObserveFetch(target, "success", res.Duration, len(res.Body))
	w.recordSuccess(proxy)
	logger.Debug("fetch succeeded", zap.Int("status", res.StatusCode), zap.Duration("duration", res.Duration))
	return res, attemptSucceeded, nil
}

func (w *Worker) recordFailure(proxy string) {
	if w.deps.Proxies != nil && proxy != "" {
		w.deps.Proxies.RecordFailure(proxy)
	}
	w.deps.Health.RecordFailure()
}

func (w *Worker) recordSuccess(proxy string) {
	if w.deps.Proxies != nil && proxy != "" {
		w.deps.Proxies.RecordSuccess(proxy)
	}
	w.deps.Health.RecordSuccess()
}

// archive writes the raw body when an archive is configured. Failures are
// logged and never fail the item.
func (w *Worker) archive(ctx context.Context, logger *zap.Logger, target string, res crawler.FetchResult) string {
	if w.deps.Archive == nil || len(res.Body) == 0 {
		return ""
	}
	digest, err := w.deps.Hasher.Hash(res.Body)
	if err != nil {
		logger.Warn("hash raw body failed", zap.Error(err))
		return ""
	}
	path := w.archivePath(target, digest, res.ContentType)
	uri, err := w.deps.Archive.PutObject(ctx, path, res.ContentType, bytes.NewReader(res.Body))
	if err != nil {
		logger.Warn("archive raw body failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (w *Worker) archivePath(target, digest, contentType string) string {
	host := "unknown"
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		host = strings.ToLower(u.Hostname())
	}
	name := fmt.Sprintf("%s/%s.%s", host, digest, extensionFor(contentType))
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "html"):
		return "html"
	case strings.Contains(ct, "xml"):
		return "xml"
	default:
		return "bin"
	}
}

// persist upserts the record, publishes a change event and, for fresh
// fetches, caches it. A cache hit is never re-cached so its TTL still runs
// out. Only the upsert can fail the item.
func (w *Worker) persist(ctx context.Context, logger *zap.Logger, target string, rec crawler.ProductRecord, blobURI string, cache bool) error {
	results, err := w.deps.Store.UpsertBatch(ctx, []crawler.ProductRecord{rec})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.BusinessKey, err)
	}
	for _, r := range results {
		metrics.ObserveUpsert(string(r.Outcome))
		logger.Debug("upserted product",
			zap.String("business_key", r.BusinessKey),
			zap.String("outcome", string(r.Outcome)),
		)
		if len(results) == 1 {
			rec.VersionHash = r.VersionHash
		}
		if r.Changed() {
			w.publish(ctx, logger, crawler.ProductChangeEvent{
				BusinessKey: r.BusinessKey,
				VersionHash: r.VersionHash,
				SourceURL:   rec.SourceURL,
				Outcome:     r.Outcome,
				BlobURI:     blobURI,
				Timestamp:   w.deps.Clock.Now(),
			})
		}
	}
	if cache && w.deps.Cache != nil {
		if err := w.deps.Cache.Set(ctx, target, rec); err != nil {
			logger.Warn("cache set failed", zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, event crawler.ProductChangeEvent) {
	if w.deps.Publisher == nil || w.cfg.Topic == "" {
		return
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish change event failed", zap.String("business_key", event.BusinessKey), zap.Error(err))
		return
	}
	logger.Info("product changed",
		zap.String("business_key", event.BusinessKey),
		zap.String("outcome", string(event.Outcome)),
		zap.String("message_id", id),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
