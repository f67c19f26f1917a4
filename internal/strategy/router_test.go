package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/edge-cache/internal/cache"
)

func TestCacheFirstFreshHitIsIdempotentOffline(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindStatic, "/_next/static/app.js", "console.log('app')", f.clock.Now())
	f.origin.setOffline(true)

	ctx := context.Background()
	first := f.router.Handle(ctx, NewGetRequest("/_next/static/app.js"))
	second := f.router.Handle(ctx, NewGetRequest("/_next/static/app.js"))

	require.Equal(t, SourceCache, first.Source)
	require.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Response.Status, second.Response.Status)
	assert.True(t, bytes.Equal(first.Response.Body, second.Response.Body))
	assert.Equal(t, first.Response.Header, second.Response.Header)
	assert.Zero(t, f.origin.calls.Load(), "fresh hit must not touch the network")
}

func TestCacheFirstMissStoresAndEvicts(t *testing.T) {
	f := newRouterFixture(t, func(cfg *Config) {
		cfg.Policies[cache.KindImage] = cache.Policy{MaxAge: time.Hour, MaxEntries: 2}
	})
	for _, name := range []string{"a", "b", "c"} {
		f.origin.set("/img/"+name+".png", "image/png", name)
	}

	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		res := f.router.Handle(ctx, NewGetRequest("/img/"+name+".png"))
		require.Equal(t, SourceNetwork, res.Source)
		require.Equal(t, ClassImage, res.Class)
	}
	assert.Equal(t, []string{"/img/b.png", "/img/c.png"}, f.keys(t, cache.KindImage))

	res := f.router.Handle(ctx, NewGetRequest("/img/c.png"))
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, int64(3), f.origin.calls.Load())
}

func TestCacheFirstExpiredRefetches(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindStatic, "/site.css", "old", f.clock.Now())
	f.origin.set("/site.css", "text/css", "new")
	f.clock.Advance(31 * 24 * time.Hour)

	res := f.router.Handle(context.Background(), NewGetRequest("/site.css"))
	require.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "new", string(res.Response.Body))

	cached := f.router.Handle(context.Background(), NewGetRequest("/site.css"))
	assert.Equal(t, SourceCache, cached.Source)
	assert.Equal(t, "new", string(cached.Response.Body))
}

func TestCacheFirstServesStaleWhenOffline(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindImage, "/hero.webp", "stale image", f.clock.Now())
	f.clock.Advance(8 * 24 * time.Hour)
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), NewGetRequest("/hero.webp"))
	require.Equal(t, SourceStale, res.Source)
	assert.Equal(t, "stale image", string(res.Response.Body))
	assert.ErrorIs(t, res.Err, errOffline)
}

func TestCacheFirstSyntheticWhenNothingCached(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), NewGetRequest("/fonts/inter.woff2"))
	require.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	assert.Equal(t, offlineText, string(res.Response.Body))
	assert.Contains(t, res.Response.Header.Get("Content-Type"), "text/plain")
}

func TestCacheFirstDoesNotStoreUnsuccessfulResponses(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.mu.Lock()
	f.origin.responses["/partial.js"] = &cache.Response{Status: http.StatusPartialContent, Header: http.Header{}, Body: []byte("par")}
	f.origin.mu.Unlock()

	ctx := context.Background()
	res := f.router.Handle(ctx, NewGetRequest("/missing.js"))
	assert.Equal(t, http.StatusNotFound, res.Response.Status)
	assert.Equal(t, SourceNetwork, res.Source)

	res = f.router.Handle(ctx, NewGetRequest("/partial.js"))
	assert.Equal(t, http.StatusPartialContent, res.Response.Status)

	assert.Empty(t, f.keys(t, cache.KindStatic))
}

func TestNetworkResponseIsNotStamped(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.set("/app.js", "text/javascript", "x")

	res := f.router.Handle(context.Background(), NewGetRequest("/app.js"))
	require.Equal(t, SourceNetwork, res.Source)
	assert.Empty(t, res.Response.Header.Get(cache.TimestampHeader))

	cached := f.router.Handle(context.Background(), NewGetRequest("/app.js"))
	require.Equal(t, SourceCache, cached.Source)
	assert.NotEmpty(t, cached.Response.Header.Get(cache.TimestampHeader))
}

func TestStaleWhileRevalidateReturnsWithoutAwaitingRefresh(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindAPI, "/api/posts", "cached posts", f.clock.Now())
	f.origin.set("/api/posts", "application/json", "fresh posts")
	release := make(chan struct{})
	f.origin.mu.Lock()
	f.origin.block = release
	f.origin.mu.Unlock()

	res := f.router.Handle(context.Background(), NewGetRequest("/api/posts"))

	require.Equal(t, SourceCache, res.Source)
	assert.Equal(t, StrategyStaleWhileRevalidate, res.Strategy)
	assert.Equal(t, "cached posts", string(res.Response.Body))
	// 后台刷新仍被源站阻塞，处理函数已经返回
	assert.Equal(t, int64(1), f.router.Refresher().Pending())

	close(release)
	f.router.Refresher().Wait()

	assert.Equal(t, int64(1), f.router.Refresher().Attempts())
	assert.Zero(t, f.router.Refresher().Failures())
	assert.Equal(t, int64(1), f.origin.calls.Load())

	p, err := f.store.Open(context.Background(), "api-v2")
	require.NoError(t, err)
	refreshed, err := p.Match(context.Background(), "/api/posts")
	require.NoError(t, err)
	assert.Equal(t, "fresh posts", string(refreshed.Body))
}

func TestStaleWhileRevalidateRefreshFailureIsSwallowed(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindAPI, "/api/works", "cached works", f.clock.Now())
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), NewGetRequest("/api/works"))
	require.Equal(t, SourceCache, res.Source)
	require.NoError(t, res.Err)

	f.router.Refresher().Wait()
	assert.Equal(t, int64(1), f.router.Refresher().Failures())

	p, err := f.store.Open(context.Background(), "api-v2")
	require.NoError(t, err)
	kept, err := p.Match(context.Background(), "/api/works")
	require.NoError(t, err)
	assert.Equal(t, "cached works", string(kept.Body))
}

func TestStaleWhileRevalidateRefreshSurvivesRequestCancel(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindAPI, "/api/tags", "old tags", f.clock.Now())
	f.origin.set("/api/tags", "application/json", "new tags")

	ctx, cancel := context.WithCancel(context.Background())
	res := f.router.Handle(ctx, NewGetRequest("/api/tags"))
	cancel()
	require.Equal(t, SourceCache, res.Source)

	f.router.Refresher().Wait()
	assert.Zero(t, f.router.Refresher().Failures())
}

func TestStaleWhileRevalidateBlockingPaths(t *testing.T) {
	t.Run("miss fetches and stores", func(t *testing.T) {
		f := newRouterFixture(t)
		f.origin.set("/api/posts?page=1", "application/json", `{"data":[]}`)

		res := f.router.Handle(context.Background(), NewGetRequest("/api/posts?page=1"))
		require.Equal(t, SourceNetwork, res.Source)
		assert.Equal(t, []string{"/api/posts?page=1"}, f.keys(t, cache.KindAPI))
		assert.Zero(t, f.router.Refresher().Pending())
	})

	t.Run("expired entry served when offline", func(t *testing.T) {
		f := newRouterFixture(t)
		f.seed(t, cache.KindAPI, "/api/posts", "old", f.clock.Now())
		f.clock.Advance(10 * time.Minute)
		f.origin.setOffline(true)

		res := f.router.Handle(context.Background(), NewGetRequest("/api/posts"))
		require.Equal(t, SourceStale, res.Source)
		assert.Equal(t, "old", string(res.Response.Body))
		assert.Zero(t, f.router.Refresher().Attempts())
	})

	t.Run("nothing cached returns offline json", func(t *testing.T) {
		f := newRouterFixture(t)
		f.origin.setOffline(true)

		res := f.router.Handle(context.Background(), NewGetRequest("/api/posts"))
		require.Equal(t, SourceSynthetic, res.Source)
		assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
		assert.Equal(t, "application/json", res.Response.Header.Get("Content-Type"))

		var payload map[string]string
		require.NoError(t, json.Unmarshal(res.Response.Body, &payload))
		assert.Equal(t, "offline", payload["error"])
		assert.NotEmpty(t, payload["message"])
	})
}

func TestAPIEvictionKeepsNewestTwo(t *testing.T) {
	f := newRouterFixture(t, func(cfg *Config) {
		cfg.Policies[cache.KindAPI] = cache.Policy{MaxAge: 5 * time.Minute, MaxEntries: 2}
	})
	for _, key := range []string{"/api/a", "/api/b", "/api/c"} {
		f.origin.set(key, "application/json", key)
		res := f.router.Handle(context.Background(), NewGetRequest(key))
		require.Equal(t, SourceNetwork, res.Source)
	}

	assert.Equal(t, []string{"/api/b", "/api/c"}, f.keys(t, cache.KindAPI))
	assert.Equal(t, int64(1), f.router.Stats().Evictions)
}

func TestEntryCountNeverExceedsMaxUnderConcurrency(t *testing.T) {
	f := newRouterFixture(t, func(cfg *Config) {
		cfg.Policies[cache.KindStatic] = cache.Policy{MaxAge: time.Hour, MaxEntries: 3}
	})
	for i := 0; i < 20; i++ {
		f.origin.set(fmt.Sprintf("/chunk-%d.js", i), "text/javascript", "x")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.router.Handle(context.Background(), NewGetRequest(fmt.Sprintf("/chunk-%d.js", i)))
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(f.keys(t, cache.KindStatic)), 3)
}

func TestNavigationNetworkSuccessStoresDynamic(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.set("/blog/first-post", "text/html", "<h1>post</h1>")

	res := f.router.Handle(context.Background(), navigationRequest("/blog/first-post"))
	require.Equal(t, ClassNavigation, res.Class)
	require.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, []string{"/blog/first-post"}, f.keys(t, cache.KindDynamic))
}

func TestNavigationFallbackPrefersDynamicEntry(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindDynamic, "/gallery", "cached gallery", f.clock.Now())
	f.seed(t, cache.KindStatic, "/offline", "offline page", f.clock.Now())
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), navigationRequest("/gallery"))
	require.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "cached gallery", string(res.Response.Body))
}

func TestNavigationFallbackUsesStaticRoot(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindStatic, "/", "app shell", f.clock.Now())
	f.seed(t, cache.KindStatic, "/offline", "offline page", f.clock.Now())
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), navigationRequest("/blog/unknown"))
	require.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "app shell", string(res.Response.Body))
}

func TestNavigationFallbackUsesOfflinePage(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindStatic, "/offline", "offline page", f.clock.Now())
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), navigationRequest("/about"))
	require.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "offline page", string(res.Response.Body))
}

func TestNavigationTotalFailureReturnsInlineHTML(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), navigationRequest("/about"))
	require.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
	assert.Contains(t, res.Response.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(res.Response.Body), "<!DOCTYPE html>")
}

func TestNavigationFallbackIgnoresExpiry(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindDynamic, "/gallery", "old gallery", f.clock.Now())
	f.clock.Advance(72 * time.Hour)
	f.origin.setOffline(true)

	res := f.router.Handle(context.Background(), navigationRequest("/gallery"))
	require.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "old gallery", string(res.Response.Body))
}

func TestOtherClassFallsBackToDynamic(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.set("/robots.txt", "text/plain", "User-agent: *")

	res := f.router.Handle(context.Background(), NewGetRequest("/robots.txt"))
	require.Equal(t, ClassOther, res.Class)
	require.Equal(t, SourceNetwork, res.Source)
	assert.Empty(t, f.keys(t, cache.KindDynamic), "other requests are not cached")

	f.seed(t, cache.KindDynamic, "/robots.txt", "cached robots", f.clock.Now())
	f.origin.setOffline(true)
	res = f.router.Handle(context.Background(), NewGetRequest("/robots.txt"))
	require.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "cached robots", string(res.Response.Body))

	res = f.router.Handle(context.Background(), NewGetRequest("/sitemap.xml"))
	require.Equal(t, SourceSynthetic, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Response.Status)
}

func TestPassthroughSkipsCache(t *testing.T) {
	f := newRouterFixture(t)
	f.seed(t, cache.KindAPI, "/api/contact", "cached", f.clock.Now())
	f.origin.set("/api/contact", "application/json", `{"ok":true}`)

	req := NewGetRequest("/api/contact")
	req.Method = http.MethodPost
	res := f.router.Handle(context.Background(), req)
	require.Equal(t, ClassPassthrough, res.Class)
	require.Equal(t, SourcePassthrough, res.Source)
	assert.Equal(t, `{"ok":true}`, string(res.Response.Body))
	assert.Zero(t, f.router.Stats().Hits)

	f.origin.setOffline(true)
	res = f.router.Handle(context.Background(), req)
	assert.Nil(t, res.Response)
	assert.ErrorIs(t, res.Err, errOffline)
}

func TestRouterCopiesConfig(t *testing.T) {
	cfg := DefaultConfig()
	router, err := NewRouter(cfg, cache.NewMemoryStore(), newFakeOrigin(), WithLogger(quietLogger()))
	require.NoError(t, err)

	cfg.Policies[cache.KindAPI] = cache.Policy{MaxAge: time.Second, MaxEntries: 1}
	cfg.Rules.APIPrefixes[0] = "/changed/"
	cfg.StaticManifest[0] = "/changed"

	got := router.Config()
	assert.Equal(t, 5*time.Minute, got.Policy(cache.KindAPI).MaxAge)
	assert.Equal(t, "/api/", got.Rules.APIPrefixes[0])
	assert.Equal(t, "/", got.StaticManifest[0])
}

func TestNewRouterValidates(t *testing.T) {
	_, err := NewRouter(DefaultConfig(), nil, newFakeOrigin())
	assert.Error(t, err)
	_, err = NewRouter(DefaultConfig(), cache.NewMemoryStore(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Policies[cache.KindStatic] = cache.Policy{MaxAge: 0, MaxEntries: 10}
	_, err = NewRouter(cfg, cache.NewMemoryStore(), newFakeOrigin())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.OfflinePath = "offline"
	_, err = NewRouter(cfg, cache.NewMemoryStore(), newFakeOrigin())
	assert.Error(t, err)
}

func TestStatsCounters(t *testing.T) {
	f := newRouterFixture(t)
	f.origin.set("/a.js", "text/javascript", "a")
	ctx := context.Background()

	f.router.Handle(ctx, NewGetRequest("/a.js"))
	f.router.Handle(ctx, NewGetRequest("/a.js"))
	f.origin.setOffline(true)
	f.router.Handle(ctx, NewGetRequest("/b.js"))

	stats := f.router.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.NetworkFetches)
	assert.Equal(t, int64(1), stats.NetworkFailures)
	assert.Equal(t, int64(1), stats.Synthetic)
}
