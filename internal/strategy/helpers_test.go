package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/any-hub/edge-cache/internal/cache"
)

var errOffline = errors.New("dial tcp: network unreachable")

// fakeOrigin 模拟源站：按 key 返回预设响应，可切换离线或阻塞。
type fakeOrigin struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	failing   map[string]bool
	offline   bool
	block     chan struct{}

	calls *atomic.Int64
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		responses: make(map[string]*cache.Response),
		failing:   make(map[string]bool),
		calls:     atomic.NewInt64(0),
	}
}

func (o *fakeOrigin) set(key, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses[key] = okResponse(contentType, body)
}

// setHeader 为预设响应追加响应头。
func (o *fakeOrigin) setHeader(key, name, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.responses[key].Header.Add(name, value)
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
}

func (o *fakeOrigin) fail(key string) {
	o.mu.Lock()
	o.failing[key] = true
	o.mu.Unlock()
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	o.calls.Inc()
	o.mu.Lock()
	block := o.block
	o.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.offline || o.failing[req.Key()] {
		return nil, errOffline
	}
	resp, ok := o.responses[req.Key()]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return resp.Clone(), nil
}

func okResponse(contentType, body string) *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	return &cache.Response{Status: http.StatusOK, Header: header, Body: []byte(body)}
}

// testClock 是可手动推进的时钟。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type routerFixture struct {
	router *Router
	store  cache.Store
	origin *fakeOrigin
	clock  *testClock
}

func newRouterFixture(t *testing.T, mutate ...func(*Config)) *routerFixture {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	store := cache.NewMemoryStore()
	origin := newFakeOrigin()
	clock := newTestClock()
	router, err := NewRouter(cfg, store, origin, WithClock(clock.Now), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(router.Refresher().Wait)
	return &routerFixture{router: router, store: store, origin: origin, clock: clock}
}

// seed 直接向分区写入带时间戳的条目。
func (f *routerFixture) seed(t *testing.T, kind cache.Kind, key, body string, capturedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.Open(ctx, f.router.cfg.PartitionID(kind).Name())
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	if err := p.Put(ctx, key, cache.Stamp(okResponse("text/plain", body), capturedAt)); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func (f *routerFixture) keys(t *testing.T, kind cache.Kind) []string {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.Open(ctx, f.router.cfg.PartitionID(kind).Name())
	if err != nil {
		t.Fatalf("open partition: %v", err)
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	return keys
}

func navigationRequest(target string) *Request {
	req := NewGetRequest(target)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	return req
}
