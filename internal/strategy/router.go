package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/any-hub/edge-cache/internal/cache"
)

// Source 标识响应的来源，写入 X-Edge-Cache 响应头。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceStale       Source = "stale"
	SourceFallback    Source = "fallback"
	SourceSynthetic   Source = "synthetic"
	SourcePassthrough Source = "passthrough"
	// SourceBypass 表示携带凭据的请求直接回源，未读写共享缓存。
	SourceBypass Source = "bypass"
)

// 策略名称。
const (
	StrategyCacheFirst           = "cache-first"
	StrategyNetworkFirst         = "network-first"
	StrategyStaleWhileRevalidate = "stale-while-revalidate"
	StrategyNetworkOnly          = "network-only"
)

// Result 是一次路由的结果。除 passthrough 的网络失败外 Response 总是非空，
// 且 Err 仅记录被吸收的网络错误，调用方按状态码处理即可。
type Result struct {
	Response *cache.Response
	Class    Class
	Strategy string
	Source   Source
	Err      error
}

// Router 对请求分类并分派到对应策略。
type Router struct {
	cfg     Config
	store   cache.Store
	fetcher Fetcher

	logger *logrus.Logger
	now    func() time.Time
	tracer trace.Tracer

	stats     *Stats
	refresher *Refresher

	mu         sync.Mutex
	partitions map[string]cache.Partition
	writeLocks map[cache.Kind]*sync.Mutex
}

// Option 定制 Router。
type Option func(*Router)

// WithLogger 设置日志实例。
func WithLogger(logger *logrus.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock 替换时间来源，测试用于控制新鲜度判断。
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTracer 替换 OpenTelemetry tracer，默认使用全局 provider。
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// NewRouter 校验并深拷贝 cfg 后构建路由器。
func NewRouter(cfg Config, store cache.Store, fetcher Fetcher, opts ...Option) (*Router, error) {
	if store == nil {
		return nil, errors.New("cache store required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}

	r := &Router{
		cfg:        cfg.clone(),
		store:      store,
		fetcher:    fetcher,
		logger:     logrus.StandardLogger(),
		now:        time.Now,
		tracer:     otel.Tracer("edge-cache/strategy"),
		stats:      newStats(),
		partitions: make(map[string]cache.Partition),
		writeLocks: make(map[cache.Kind]*sync.Mutex),
	}
	for _, kind := range cache.Kinds() {
		r.writeLocks[kind] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(r)
	}
	r.refresher = NewRefresher(r.cfg.RefreshTimeout, r.logger)
	return r, nil
}

// Config 返回配置副本。
func (r *Router) Config() Config { return r.cfg.clone() }

// Refresher 暴露后台刷新器，供测试等待与诊断统计。
func (r *Router) Refresher() *Refresher { return r.refresher }

// Stats 返回当前计数器快照。
func (r *Router) Stats() StatsSnapshot {
	snap := r.stats.snapshot()
	snap.Refreshes = r.refresher.Attempts()
	snap.RefreshFailures = r.refresher.Failures()
	return snap
}

// Handle 对请求分类并执行对应策略。
func (r *Router) Handle(ctx context.Context, req *Request) *Result {
	class := Classify(req, r.cfg.Rules)

	ctx, span := r.tracer.Start(ctx, "Router.Handle", trace.WithAttributes(
		attribute.String("edge.key", req.Key()),
		attribute.String("edge.class", string(class)),
	))
	defer span.End()

	var result *Result
	switch {
	case class != ClassPassthrough && req.Credentialed(r.cfg.Rules.PrivateHeaders):
		result = r.bypass(ctx, class, req)
	case class == ClassAPI:
		result = r.staleWhileRevalidate(ctx, cache.KindAPI, req)
	case class == ClassImage:
		result = r.cacheFirst(ctx, cache.KindImage, req)
	case class == ClassStatic:
		result = r.cacheFirst(ctx, cache.KindStatic, req)
	case class == ClassNavigation:
		result = r.networkFirst(ctx, req)
	case class == ClassOther:
		result = r.networkWithFallback(ctx, req)
	default:
		result = r.passthrough(ctx, req)
	}
	result.Class = class

	span.SetAttributes(
		attribute.String("edge.strategy", result.Strategy),
		attribute.String("edge.source", string(result.Source)),
	)
	if result.Err != nil {
		span.RecordError(result.Err)
	}
	if result.Response == nil {
		span.SetStatus(codes.Error, "no response")
	}
	return result
}

// passthrough 原样转发非 GET 请求，不读写缓存。
func (r *Router) passthrough(ctx context.Context, req *Request) *Result {
	resp, err := r.fetch(ctx, req)
	return &Result{Response: resp, Strategy: StrategyNetworkOnly, Source: SourcePassthrough, Err: err}
}

// bypass 处理携带凭据的 GET 请求：响应因用户而异，只走网络，不读写共享缓存。
// 网络失败时返回与类别对应的离线响应。
func (r *Router) bypass(ctx context.Context, class Class, req *Request) *Result {
	r.stats.bypassed.Inc()
	resp, err := r.fetch(ctx, req)
	if err == nil {
		return &Result{Response: resp, Strategy: StrategyNetworkOnly, Source: SourceBypass}
	}
	r.stats.synthetic.Inc()
	return &Result{Response: offlineFor(class), Strategy: StrategyNetworkOnly, Source: SourceSynthetic, Err: err}
}

// networkWithFallback 处理 other 类请求：网络优先，失败时读取 dynamic 分区，不写缓存。
func (r *Router) networkWithFallback(ctx context.Context, req *Request) *Result {
	resp, err := r.fetch(ctx, req)
	if err == nil {
		return &Result{Response: resp, Strategy: StrategyNetworkOnly, Source: SourceNetwork}
	}
	if cached, ok := r.lookup(ctx, cache.KindDynamic, req.Key()); ok {
		r.stats.fallbacks.Inc()
		return &Result{Response: cached, Strategy: StrategyNetworkOnly, Source: SourceFallback, Err: err}
	}
	r.stats.synthetic.Inc()
	return &Result{Response: OfflineText(), Strategy: StrategyNetworkOnly, Source: SourceSynthetic, Err: err}
}

func (r *Router) fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	r.stats.networkFetches.Inc()
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("fetcher returned no response")
	}
	if err != nil {
		r.stats.networkFailures.Inc()
		return nil, err
	}
	return resp, nil
}

// partition 返回当前版本下 kind 对应的分区句柄并缓存。
func (r *Router) partition(ctx context.Context, kind cache.Kind) (cache.Partition, error) {
	name := r.cfg.PartitionID(kind).Name()

	r.mu.Lock()
	p, ok := r.partitions[name]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	p, err := r.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.partitions[name] = p
	r.mu.Unlock()
	return p, nil
}

// lookup 读取缓存；后端错误记为 warn 并按未命中处理。
func (r *Router) lookup(ctx context.Context, kind cache.Kind, key string) (*cache.Response, bool) {
	p, err := r.partition(ctx, kind)
	if err != nil {
		r.logCacheError("cache_open_failed", kind, key, err)
		return nil, false
	}
	resp, err := p.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logCacheError("cache_lookup_failed", kind, key, err)
		}
		return nil, false
	}
	return resp, true
}

// cacheable 只接受完整的 2xx 快照：206 分段响应、超限流式响应、
// 带 Set-Cookie 或 Cache-Control: private/no-store 的响应都不能进入共享缓存。
func cacheable(resp *cache.Response) bool {
	if !resp.OK() || resp.Status == http.StatusPartialContent || resp.Streaming() {
		return false
	}
	if len(resp.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	return !hasCacheDirective(resp.Header, "private", "no-store")
}

// hasCacheDirective 报告 Cache-Control 是否包含任一指令，忽略大小写与指令参数。
func hasCacheDirective(header http.Header, directives ...string) bool {
	for _, value := range header.Values("Cache-Control") {
		for _, part := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(part, "=")
			name = strings.TrimSpace(name)
			for _, directive := range directives {
				if strings.EqualFold(name, directive) {
					return true
				}
			}
		}
	}
	return false
}

// storeEntry 写入带时间戳的快照并立即执行淘汰；同一分区的写入与淘汰串行执行，
// 保证淘汰结束后条目数不超过上限。
func (r *Router) storeEntry(ctx context.Context, kind cache.Kind, key string, resp *cache.Response) {
	if !cacheable(resp) {
		return
	}
	p, err := r.partition(ctx, kind)
	if err != nil {
		r.logCacheError("cache_open_failed", kind, key, err)
		return
	}

	lock := r.writeLocks[kind]
	lock.Lock()
	defer lock.Unlock()

	if err := p.Put(ctx, key, cache.Stamp(resp, r.now())); err != nil {
		r.logCacheError("cache_put_failed", kind, key, err)
		return
	}
	evicted, err := cache.Evict(ctx, p, r.cfg.Policy(kind).MaxEntries)
	r.stats.evictions.Add(int64(len(evicted)))
	if err != nil {
		r.logCacheError("cache_evict_failed", kind, key, err)
	}
}

func (r *Router) fresh(kind cache.Kind, resp *cache.Response) bool {
	return !cache.IsExpired(resp, r.cfg.Policy(kind).MaxAge, r.now())
}

func (r *Router) logCacheError(action string, kind cache.Kind, key string, err error) {
	r.logger.WithFields(logrus.Fields{
		"action":    action,
		"partition": r.cfg.PartitionID(kind).Name(),
		"key":       key,
	}).Warn(err.Error())
}
