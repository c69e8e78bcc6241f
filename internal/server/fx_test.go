package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	return &cfg
}

func TestBuild_InMemoryDefaults(t *testing.T) {
	t.Parallel()

	cfg := loadDefaults(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/proxies", nil))
	require.JSONEq(t, `{"proxies":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/products/P1", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuild_RedisQueueAndCache(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := loadDefaults(t)
	cfg.Queue.Backend = "redis"
	cfg.Queue.Prefix = "buildtest"
	cfg.Redis.Addr = mr.Addr()
	cfg.Cache.Enabled = true
	cfg.Proxy.Endpoints = []string{"http://user:pw@10.0.0.1:8080", "http://10.0.0.2:8080"}

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close()) })

	rec := httptest.NewRecorder()
	body := bytes.NewBufferString(`{"urls":["https://shop.example/p/1","https://shop.example/p/2"]}`)
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/urls", body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var depths crawler.QueueDepths
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depths))
	require.EqualValues(t, 2, depths.Pending)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/proxies", nil))
	require.Contains(t, rec.Body.String(), "10.0.0.2:8080")
	require.NotContains(t, rec.Body.String(), "pw@")

	mr.Close()
	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAcceptHeaderIgnoresKeyCase(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/json, text/html;q=0.9", acceptHeader(loadDefaults(t).Fetcher.Headers))
	require.Equal(t, "application/json", acceptHeader(map[string]string{"accept": "application/json"}))
	require.Empty(t, acceptHeader(nil))
}

func TestBuild_RejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	cfg := loadDefaults(t)
	cfg.Queue.Backend = "kafka"
	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, `unknown queue backend "kafka"`)

	cfg = loadDefaults(t)
	cfg.Fetcher.Kind = "curl"
	_, err = Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, `unknown fetcher kind "curl"`)
}

func TestBuild_LocalArchive(t *testing.T) {
	t.Parallel()

	cfg := loadDefaults(t)
	cfg.Storage.Backend = "local"
	cfg.Storage.Dir = t.TempDir()

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Close())
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	prev := zap.L()
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	cfg := loadDefaults(t)
	cfg.Logging.Level = "warn"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
	require.Same(t, logger, zap.L())

	cfg.Logging.Level = "verbose"
	_, err = NewLogger(cfg)
	require.Error(t, err)
}
