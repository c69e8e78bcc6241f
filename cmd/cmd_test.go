package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/config"
)

// withEnv swaps the config loader for the duration of a test. Tests using it
// must not run in parallel.
func withEnv(t *testing.T, cfg config.Config) {
	t.Helper()
	prev := loadEnv
	loadEnv = func(string) (*Env, error) {
		return &Env{Config: &cfg, Logger: zap.NewNop()}, nil
	}
	t.Cleanup(func() { loadEnv = prev })
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueSeedsRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	withEnv(t, config.Config{
		Queue: config.QueueConfig{Backend: "redis", Prefix: "cmdtest", Dedupe: true},
		Redis: config.RedisConfig{Addr: mr.Addr()},
	})

	path := filepath.Join(t.TempDir(), "urls.txt")
	require.NoError(t, os.WriteFile(path, []byte("# seed\nhttps://shop.example/p/2\n\nhttps://shop.example/p/1\n"), 0o600))

	out, err := execute(t, "", "enqueue", "https://shop.example/p/1", "--file", path)
	require.NoError(t, err)
	require.Contains(t, out, "enqueued 2 of 3 urls")

	out, err = execute(t, "https://shop.example/p/3\n", "enqueue", "-f", "-")
	require.NoError(t, err)
	require.Contains(t, out, "enqueued 1 of 1 urls")
}

func TestEnqueueRequiresRedisBackend(t *testing.T) {
	withEnv(t, config.Config{Queue: config.QueueConfig{Backend: "memory"}})

	_, err := execute(t, "", "enqueue", "https://shop.example/p/1")
	require.ErrorContains(t, err, "queue.backend=redis")
}

func TestEnqueueRequiresURLs(t *testing.T) {
	mr := miniredis.RunT(t)
	withEnv(t, config.Config{
		Queue: config.QueueConfig{Backend: "redis"},
		Redis: config.RedisConfig{Addr: mr.Addr()},
	})

	_, err := execute(t, "", "enqueue")
	require.ErrorContains(t, err, "no URLs given")
}

func TestMigrateRequiresDSN(t *testing.T) {
	withEnv(t, config.Config{})

	_, err := execute(t, "", "migrate")
	require.ErrorContains(t, err, "database.dsn")
}

func TestStatusPrintsSections(t *testing.T) {
	var (
		mu      sync.Mutex
		gotKeys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotKeys = append(gotKeys, r.Header.Get("X-API-Key"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/queue":
			_, _ = w.Write([]byte(`{"pending":3,"in_flight":1,"dead":1}`))
		case "/v1/dead":
			_, _ = w.Write([]byte(`{"count":1,"urls":["https://a.example"]}`))
		case "/v1/rate":
			_, _ = w.Write([]byte(`{"limit":5,"in_use":1,"failure_rate_percent":0}`))
		case "/v1/proxies":
			_, _ = w.Write([]byte(`{"proxies":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	withEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}})

	out, err := execute(t, "", "status", "--addr", srv.URL)
	require.NoError(t, err)

	var report map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.JSONEq(t, `{"pending":3,"in_flight":1,"dead":1}`, string(report["queue"]))
	require.JSONEq(t, `{"count":1,"urls":["https://a.example"]}`, string(report["dead"]))
	require.Contains(t, report, "rate")
	require.Contains(t, report, "proxies")
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"secret", "secret", "secret", "secret"}, gotKeys)
}

func TestStatusReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	t.Cleanup(srv.Close)
	withEnv(t, config.Config{})

	_, err := execute(t, "", "status", "--addr", srv.URL)
	require.ErrorContains(t, err, "status 403")
}
