package strategy

import (
	"context"
	"fmt"

	"github.com/any-hub/edge-cache/internal/cache"
)

// staleWhileRevalidate 服务 API 请求。新鲜命中立即返回，同时调度后台刷新；
// 缺失或过期时阻塞回源，失败退回过期副本，否则返回离线 JSON。
func (r *Router) staleWhileRevalidate(ctx context.Context, kind cache.Kind, req *Request) *Result {
	key := req.Key()
	cached, hit := r.lookup(ctx, kind, key)
	if hit && r.fresh(kind, cached) {
		r.stats.hits.Inc()
		r.scheduleRefresh(ctx, kind, req)
		return &Result{Response: cached, Strategy: StrategyStaleWhileRevalidate, Source: SourceCache}
	}
	r.stats.misses.Inc()

	resp, err := r.fetch(ctx, req)
	if err == nil {
		r.storeEntry(ctx, kind, key, resp)
		return &Result{Response: resp, Strategy: StrategyStaleWhileRevalidate, Source: SourceNetwork}
	}

	if hit {
		r.stats.staleServed.Inc()
		return &Result{Response: cached, Strategy: StrategyStaleWhileRevalidate, Source: SourceStale, Err: err}
	}
	r.stats.synthetic.Inc()
	return &Result{Response: OfflineJSON(), Strategy: StrategyStaleWhileRevalidate, Source: SourceSynthetic, Err: err}
}

func (r *Router) scheduleRefresh(ctx context.Context, kind cache.Kind, req *Request) {
	bg := req.Clone()
	key := r.cfg.PartitionID(kind).Name() + "|" + bg.Key()
	r.refresher.Go(ctx, key, func(ctx context.Context) error {
		resp, err := r.fetch(ctx, bg)
		if err != nil {
			return err
		}
		if !cacheable(resp) {
			_ = resp.Close()
			return fmt.Errorf("refresh %s: status %d", bg.Key(), resp.Status)
		}
		r.storeEntry(ctx, kind, bg.Key(), resp)
		return nil
	})
}
