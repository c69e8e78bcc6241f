package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/proxypool"
	"github.com/JakeFAU/harvester/internal/storage"
)

const (
	requestTimeout = 60 * time.Second
	enqueueTimeout = 5 * time.Second
	maxSeedBody    = 1 << 20
)

// Enqueuer seeds the work queue and wakes the dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, urls []string) (int, error)
}

// QueueReader reports the size of each queue collection and lists the
// dead-letter record.
type QueueReader interface {
	Depths(ctx context.Context) (crawler.QueueDepths, error)
	Dead(ctx context.Context) ([]string, error)
}

// ProductReader looks up stored products by business key. Unknown keys
// return storage.ErrNotFound.
type ProductReader interface {
	Get(ctx context.Context, businessKey string) (crawler.ProductRecord, error)
}

// ProxyStats reports the proxy pool state.
type ProxyStats interface {
	Stats() []proxypool.Stat
}

// RateStats reports the adaptive concurrency controller state.
type RateStats interface {
	Limit() int
	InUse() int
	FailureRate() float64
}

// Check is a named readiness probe against a downstream dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Dependencies are the components the server reports on. Proxies may be nil
// when the service runs without a pool.
type Dependencies struct {
	Enqueuer Enqueuer
	Queue    QueueReader
	Products ProductReader
	Proxies  ProxyStats
	Rate     RateStats
	Checks   []Check
}

// Server wires HTTP handlers to the dispatcher and pipeline state.
type Server struct {
	router chi.Router
	deps   Dependencies
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Dependencies, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/urls", s.enqueueURLs)
		r.Get("/queue", s.queueDepths)
		r.Get("/dead", s.deadLetters)
		r.Get("/products/{key}", s.getProduct)
		r.Get("/proxies", s.proxyStats)
		r.Get("/rate", s.rateStats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for _, check := range s.deps.Checks {
		if err := check.Ping(r.Context()); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type seedRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) enqueueURLs(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSeedBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	added, err := s.deps.Enqueuer.Enqueue(ctx, req.URLs)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Error("enqueue failed", zap.Int("urls", len(req.URLs)), zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]int{
		"submitted": len(req.URLs),
		"enqueued":  added,
	})
}

func (s *Server) queueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.deps.Queue.Depths(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read queue depths")
		return
	}
	s.writeJSON(w, http.StatusOK, depths)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	urls, err := s.deps.Queue.Dead(r.Context())
	if err != nil {
		s.logger.Error("list dead letters failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if urls == nil {
		urls = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(urls), "urls": urls})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	if s.deps.Products == nil {
		s.writeError(w, http.StatusServiceUnavailable, "product lookup unavailable")
		return
	}
	rec, err := s.deps.Products.Get(r.Context(), chi.URLParam(r, "key"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "product not found")
		return
	case err != nil:
		s.logger.Error("product lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read product")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) proxyStats(w http.ResponseWriter, _ *http.Request) {
	stats := []proxypool.Stat{}
	if s.deps.Proxies != nil {
		stats = s.deps.Proxies.Stats()
	}
	for i := range stats {
		stats[i].Endpoint = metrics.ProxyLabel(stats[i].Endpoint)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": stats})
}

func (s *Server) rateStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"limit":                s.deps.Rate.Limit(),
		"in_use":               s.deps.Rate.InUse(),
		"failure_rate_percent": s.deps.Rate.FailureRate(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
