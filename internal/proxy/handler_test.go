package proxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"go.uber.org/atomic"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/config"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/strategy"
	"github.com/any-hub/edge-cache/internal/upstream"
)

type proxyFixture struct {
	app     *fiber.App
	router  *strategy.Router
	origin  *httptest.Server
	offline *atomic.Bool
	hits    *atomic.Int64
	logs    *bytes.Buffer
}

func newProxyFixture(t *testing.T, mutate ...func(*config.Config)) *proxyFixture {
	t.Helper()
	f := &proxyFixture{
		offline: atomic.NewBool(false),
		hits:    atomic.NewInt64(0),
		logs:    &bytes.Buffer{},
	}

	f.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.offline.Load() {
			panic(http.ErrAbortHandler)
		}
		f.hits.Inc()
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","method":"` + r.Method + `"}`))
		case r.URL.Path == "/multi":
			w.Header().Add("X-Multi", "a")
			w.Header().Add("X-Multi", "b")
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("multi"))
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
		}
	}))
	t.Cleanup(f.origin.Close)

	logger := logrus.New()
	logger.SetOutput(f.logs)
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg := &config.Config{
		Global: config.GlobalConfig{
			Origin:          f.origin.URL,
			UpstreamTimeout: config.Duration(2 * time.Second),
		},
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	client, err := upstream.NewClient(cfg, logger)
	if err != nil {
		t.Fatalf("new upstream client: %v", err)
	}

	router, err := strategy.NewRouter(strategy.DefaultConfig(), cache.NewMemoryStore(), client, strategy.WithLogger(logger))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(router.Refresher().Wait)
	f.router = router

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      NewHandler(router, logger),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	f.app = app
	return f
}

func (f *proxyFixture) send(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := f.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func navigate(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "http://www.example.com"+target, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}

func TestNavigationServedFromCacheWhenOriginOffline(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.send(t, navigate("/blog/hello"))
	if resp.StatusCode != http.StatusOK || body != "<html>/blog/hello</html>" {
		t.Fatalf("unexpected online response %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != "network" || resp.Header.Get(HeaderClass) != "navigation" {
		t.Fatalf("unexpected tags %s/%s", resp.Header.Get(HeaderSource), resp.Header.Get(HeaderClass))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing request id")
	}

	f.offline.Store(true)
	resp, body = f.send(t, navigate("/blog/hello"))
	if resp.StatusCode != http.StatusOK || body != "<html>/blog/hello</html>" {
		t.Fatalf("offline navigation should be served from cache, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != "cache" {
		t.Fatalf("expected cache source, got %s", resp.Header.Get(HeaderSource))
	}

	resp, body = f.send(t, navigate("/never-seen"))
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "<html") {
		t.Fatalf("expected inline offline page, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != "synthetic" {
		t.Fatalf("expected synthetic source, got %s", resp.Header.Get(HeaderSource))
	}
}

func TestAPIRequestServedFromFreshCache(t *testing.T) {
	f := newProxyFixture(t)

	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/api/posts?page=1", nil)
	resp, body := f.send(t, req)
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderSource) != "network" {
		t.Fatalf("expected network response, got %d %s", resp.StatusCode, resp.Header.Get(HeaderSource))
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("content type not forwarded: %s", resp.Header.Get("Content-Type"))
	}

	req = httptest.NewRequest(http.MethodGet, "http://www.example.com/api/posts?page=1", nil)
	resp, cached := f.send(t, req)
	if resp.Header.Get(HeaderSource) != "cache" || cached != body {
		t.Fatalf("expected fresh cache hit, got %s %s", resp.Header.Get(HeaderSource), cached)
	}
	// 新鲜命中直接返回，之后只有一次后台刷新到达源站
	f.router.Refresher().Wait()
	if f.hits.Load() != 2 {
		t.Fatalf("expected one blocking fetch and one background refresh, hits=%d", f.hits.Load())
	}
}

func TestAPIOfflineWithoutCacheReturnsJSON(t *testing.T) {
	f := newProxyFixture(t)
	f.offline.Store(true)

	resp, body := f.send(t, httptest.NewRequest(http.MethodGet, "http://www.example.com/api/comments", nil))
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"error":"offline"`) {
		t.Fatalf("unexpected offline body %s", body)
	}
}

func TestImageOfflineWithoutCacheReturnsText(t *testing.T) {
	f := newProxyFixture(t)
	f.offline.Store(true)

	resp, body := f.send(t, httptest.NewRequest(http.MethodGet, "http://www.example.com/uploads/cover.png", nil))
	if resp.StatusCode != http.StatusServiceUnavailable || body != "Offline - resource unavailable" {
		t.Fatalf("unexpected image fallback %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderClass) != "image" {
		t.Fatalf("expected image class, got %s", resp.Header.Get(HeaderClass))
	}
}

func TestPostPassesThroughAndReports502(t *testing.T) {
	f := newProxyFixture(t)

	req := httptest.NewRequest(http.MethodPost, "http://www.example.com/api/contact", strings.NewReader(`{"name":"x"}`))
	resp, body := f.send(t, req)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `"method":"POST"`) {
		t.Fatalf("post should reach origin, got %d %s", resp.StatusCode, body)
	}
	if resp.Header.Get(HeaderSource) != "passthrough" {
		t.Fatalf("expected passthrough source, got %s", resp.Header.Get(HeaderSource))
	}

	f.offline.Store(true)
	req = httptest.NewRequest(http.MethodPost, "http://www.example.com/api/contact", strings.NewReader(`{}`))
	resp, body = f.send(t, req)
	if resp.StatusCode != http.StatusBadGateway || !strings.Contains(body, "upstream_failed") {
		t.Fatalf("expected 502 upstream_failed, got %d %s", resp.StatusCode, body)
	}
	if !strings.Contains(f.logs.String(), "proxy_failed") {
		t.Fatalf("expected proxy_failed log entry")
	}
}

func TestHeadRequestHasNoBody(t *testing.T) {
	f := newProxyFixture(t)

	resp, body := f.send(t, httptest.NewRequest(http.MethodHead, "http://www.example.com/about", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body != "" {
		t.Fatalf("HEAD response must not carry a body, got %q", body)
	}
}

func TestMultiValueHeadersPreserved(t *testing.T) {
	f := newProxyFixture(t)

	resp, _ := f.send(t, httptest.NewRequest(http.MethodGet, "http://www.example.com/multi", nil))
	if got := resp.Header.Values("X-Multi"); len(got) != 2 {
		t.Fatalf("expected both X-Multi values, got %v", got)
	}
	if !strings.Contains(f.logs.String(), "proxy_complete") {
		t.Fatalf("expected proxy_complete log entry")
	}
}

func TestBuildRequestCopiesFiberRequest(t *testing.T) {
	app := fiber.New()
	defer app.Shutdown()

	fctx := new(fasthttp.RequestCtx)
	fctx.Request.SetRequestURI("/gallery/work-1?lang=en")
	fctx.Request.Header.SetMethod(http.MethodGet)
	fctx.Request.Header.SetHost("www.example.com")
	fctx.Request.Header.Set("Sec-Fetch-Dest", "image")
	fctx.Request.Header.Set("Accept", "image/avif")

	ctx := app.AcquireCtx(fctx)
	defer app.ReleaseCtx(ctx)

	req := buildRequest(ctx)
	if req.Method != http.MethodGet || req.Path != "/gallery/work-1" || req.RawQuery != "lang=en" {
		t.Fatalf("unexpected request %s %s?%s", req.Method, req.Path, req.RawQuery)
	}
	if req.Key() != "/gallery/work-1?lang=en" {
		t.Fatalf("unexpected key %s", req.Key())
	}
	if req.Host != "www.example.com" {
		t.Fatalf("unexpected host %s", req.Host)
	}
	if req.Destination() != "image" {
		t.Fatalf("Sec-Fetch-Dest not copied: %v", req.Header)
	}
	if req.Body != nil {
		t.Fatalf("empty body should stay nil")
	}
}

func TestCredentialedResponseIsNotSharedWithOtherClients(t *testing.T) {
	f := newProxyFixture(t)

	req := httptest.NewRequest(http.MethodGet, "http://www.example.com/api/me", nil)
	req.Header.Set("Authorization", "Bearer secret-user")
	resp, _ := f.send(t, req)
	if resp.StatusCode != http.StatusOK || resp.Header.Get(HeaderSource) != "bypass" {
		t.Fatalf("credentialed request should bypass the cache, got %d %s", resp.StatusCode, resp.Header.Get(HeaderSource))
	}

	resp, _ = f.send(t, httptest.NewRequest(http.MethodGet, "http://www.example.com/api/me", nil))
	if resp.Header.Get(HeaderSource) != "network" {
		t.Fatalf("anonymous request must not see a credentialed response, got source %s", resp.Header.Get(HeaderSource))
	}
	f.router.Refresher().Wait()
	if f.hits.Load() != 2 {
		t.Fatalf("both requests should reach origin, hits=%d", f.hits.Load())
	}
}

func TestCachedResponseHidesCaptureStamp(t *testing.T) {
	f := newProxyFixture(t)

	resp, _ := f.send(t, navigate("/blog/stamp"))
	if resp.Header.Get(cache.TimestampHeader) != "" {
		t.Fatalf("network response leaked %s", cache.TimestampHeader)
	}

	f.offline.Store(true)
	resp, body := f.send(t, navigate("/blog/stamp"))
	if resp.Header.Get(HeaderSource) != "cache" || body != "<html>/blog/stamp</html>" {
		t.Fatalf("expected cached page, got %s %s", resp.Header.Get(HeaderSource), body)
	}
	if got := resp.Header.Get(cache.TimestampHeader); got != "" {
		t.Fatalf("cached response leaked %s=%s", cache.TimestampHeader, got)
	}
}

func TestOversizedImageStreamedWithoutCaching(t *testing.T) {
	f := newProxyFixture(t, func(cfg *config.Config) {
		cfg.Global.MaxBodyBytes = 8
	})
	target := "http://www.example.com/uploads/huge.png"

	for i := 0; i < 2; i++ {
		resp, body := f.send(t, httptest.NewRequest(http.MethodGet, target, nil))
		if resp.StatusCode != http.StatusOK || body != "<html>/uploads/huge.png</html>" {
			t.Fatalf("oversized body should be passed through intact, got %d %q", resp.StatusCode, body)
		}
		if resp.Header.Get(HeaderSource) != "network" {
			t.Fatalf("oversized body must not be cached, got source %s", resp.Header.Get(HeaderSource))
		}
	}
	if f.hits.Load() != 2 {
		t.Fatalf("each request should reach origin, hits=%d", f.hits.Load())
	}

	resp, _ := f.send(t, httptest.NewRequest(http.MethodHead, target, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected HEAD status %d", resp.StatusCode)
	}
}

