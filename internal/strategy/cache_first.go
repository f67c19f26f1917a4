package strategy

import (
	"context"

	"github.com/any-hub/edge-cache/internal/cache"
)

// cacheFirst 服务静态资源与图片：新鲜命中直接返回且不访问网络；
// 未命中或过期时回源，失败再退回过期副本，最后返回 503 纯文本。
func (r *Router) cacheFirst(ctx context.Context, kind cache.Kind, req *Request) *Result {
	key := req.Key()
	cached, hit := r.lookup(ctx, kind, key)
	if hit && r.fresh(kind, cached) {
		r.stats.hits.Inc()
		return &Result{Response: cached, Strategy: StrategyCacheFirst, Source: SourceCache}
	}
	r.stats.misses.Inc()

	resp, err := r.fetch(ctx, req)
	if err == nil {
		r.storeEntry(ctx, kind, key, resp)
		return &Result{Response: resp, Strategy: StrategyCacheFirst, Source: SourceNetwork}
	}

	if hit {
		r.stats.staleServed.Inc()
		return &Result{Response: cached, Strategy: StrategyCacheFirst, Source: SourceStale, Err: err}
	}
	r.stats.synthetic.Inc()
	return &Result{Response: OfflineText(), Strategy: StrategyCacheFirst, Source: SourceSynthetic, Err: err}
}
