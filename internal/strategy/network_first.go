package strategy

import (
	"context"

	"github.com/any-hub/edge-cache/internal/cache"
)

// networkFirst 服务导航请求。网络成功写入 dynamic 分区；失败时依次尝试：
// dynamic 分区 → static 分区首页 → static 分区离线页 → 内联离线 HTML（503）。
func (r *Router) networkFirst(ctx context.Context, req *Request) *Result {
	key := req.Key()
	resp, err := r.fetch(ctx, req)
	if err == nil {
		r.storeEntry(ctx, cache.KindDynamic, key, resp)
		return &Result{Response: resp, Strategy: StrategyNetworkFirst, Source: SourceNetwork}
	}

	if cached, ok := r.lookup(ctx, cache.KindDynamic, key); ok {
		r.stats.fallbacks.Inc()
		return &Result{Response: cached, Strategy: StrategyNetworkFirst, Source: SourceCache, Err: err}
	}
	for _, fallback := range []string{r.cfg.RootPath, r.cfg.OfflinePath} {
		if cached, ok := r.lookup(ctx, cache.KindStatic, fallback); ok {
			r.stats.fallbacks.Inc()
			return &Result{Response: cached, Strategy: StrategyNetworkFirst, Source: SourceFallback, Err: err}
		}
	}

	r.stats.synthetic.Inc()
	return &Result{Response: OfflineHTML(), Strategy: StrategyNetworkFirst, Source: SourceSynthetic, Err: err}
}
