package headless

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	require.NotNil(t, f.slots)
	require.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)

	f, err = NewChromedp(Config{NavigationTimeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, time.Second, f.cfg.NavigationTimeout)
	require.Nil(t, f.slots)
	require.NoError(t, f.acquire(context.Background()))
	f.release()
}

func TestFetchRejectsBadProxyBeforeLaunching(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com", Proxy: "http://"})
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.FetchErrorOther, fe.Kind)
}

func TestAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	require.NoError(t, f.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.acquire(ctx), context.Canceled)

	f.release()
	require.NoError(t, f.acquire(context.Background()))
}

func TestProxyServerStripsCredentials(t *testing.T) {
	t.Parallel()

	u, err := url.Parse("http://user:pw@gw.example:7777")
	require.NoError(t, err)
	require.Equal(t, "http://gw.example:7777", proxyServer(u))
}

func TestToNetworkHeaders(t *testing.T) {
	t.Parallel()

	netHeaders := toNetworkHeaders(http.Header{"X-Test": {"a", "b"}, "Accept": {"text/html"}, "Empty": {}})
	require.Equal(t, []string{"a", "b"}, netHeaders["X-Test"])
	require.Equal(t, "text/html", netHeaders["Accept"])
	require.NotContains(t, netHeaders, "Empty")
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  403,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"Content-Type": "text/html", "X-Request-ID": "abc"},
		},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 200, URL: "https://ads.example/frame"},
	})
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeScript,
		Response: &network.Response{Status: 500, URL: "https://example.com/app.js"},
	})
	meta.captureEvent(&network.EventLoadingFinished{})
	status, headers, u := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 403, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", u)

	meta = newResponseMeta()
	status, _, u = meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://final", u)

	_, _, u = meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, "https://req", u)
}

func TestFromNetworkHeaders(t *testing.T) {
	t.Parallel()

	headers := fromNetworkHeaders(network.Headers{
		"Content-Type":   "application/json",
		"Set-Cookie":     []any{"a=1", "b=2"},
		"Content-Length": float64(42),
	})
	require.Equal(t, "application/json", headers.Get("Content-Type"))
	require.Equal(t, []string{"a=1", "b=2"}, headers.Values("Set-Cookie"))
	require.Equal(t, "42", headers.Get("Content-Length"))
}
