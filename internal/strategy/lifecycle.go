package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/edge-cache/internal/cache"
)

const precacheConcurrency = 8

// ErrPrecacheFailed 表示 static 清单预缓存失败，install 整体失败。
var ErrPrecacheFailed = errors.New("static precache failed")

// InstallReport 汇总 install 阶段的结果。
type InstallReport struct {
	Partitions  []string `json:"partitions"`
	Static      []string `json:"static"`
	API         []string `json:"api"`
	APIFailures []string `json:"apiFailures"`
}

// Install 打开当前版本的四个分区并预缓存：static 清单全部成功才写入，
// 任一失败则 install 失败且不写入任何条目；critical API 尽力写入，单个失败被忽略。
func (r *Router) Install(ctx context.Context) (*InstallReport, error) {
	ctx, span := r.tracer.Start(ctx, "Router.Install", trace.WithAttributes(
		attribute.Int("edge.version", r.cfg.Version),
		attribute.Int("edge.static_count", len(r.cfg.StaticManifest)),
	))
	defer span.End()

	report := &InstallReport{}
	for _, kind := range cache.Kinds() {
		p, err := r.partition(ctx, kind)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("open partition %s: %w", r.cfg.PartitionID(kind).Name(), err)
		}
		report.Partitions = append(report.Partitions, p.Name())
	}

	responses, err := r.fetchAll(ctx, r.cfg.StaticManifest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "static precache failed")
		return nil, fmt.Errorf("%w: %w", ErrPrecacheFailed, err)
	}
	for i, target := range r.cfg.StaticManifest {
		r.storeEntry(ctx, cache.KindStatic, NewGetRequest(target).Key(), responses[i])
		report.Static = append(report.Static, target)
	}

	report.API, report.APIFailures = r.precacheAPI(ctx)

	r.logger.WithFields(logrus.Fields{
		"action":       "install",
		"version":      r.cfg.Version,
		"static":       len(report.Static),
		"api":          len(report.API),
		"api_failures": len(report.APIFailures),
	}).Info("cache install complete")
	return report, nil
}

// fetchAll 并发获取全部目标，任一失败（网络错误或非缓存状态码）即整体失败。
func (r *Router) fetchAll(ctx context.Context, targets []string) ([]*cache.Response, error) {
	responses := make([]*cache.Response, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)
	for i, target := range targets {
		g.Go(func() error {
			resp, err := r.fetch(gctx, NewGetRequest(target))
			if err != nil {
				return fmt.Errorf("precache %s: %w", target, err)
			}
			if !cacheable(resp) {
				_ = resp.Close()
				return fmt.Errorf("precache %s: response not cacheable (status %d)", target, resp.Status)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, resp := range responses {
			_ = resp.Close()
		}
		return nil, err
	}
	return responses, nil
}

func (r *Router) precacheAPI(ctx context.Context) (stored, failed []string) {
	results := make([]error, len(r.cfg.CriticalAPI))
	var g errgroup.Group
	g.SetLimit(precacheConcurrency)
	for i, target := range r.cfg.CriticalAPI {
		g.Go(func() error {
			req := NewGetRequest(target)
			resp, err := r.fetch(ctx, req)
			if err == nil && !cacheable(resp) {
				_ = resp.Close()
				err = fmt.Errorf("response not cacheable (status %d)", resp.Status)
			}
			if err != nil {
				results[i] = err
				return nil
			}
			r.storeEntry(ctx, cache.KindAPI, req.Key(), resp)
			return nil
		})
	}
	_ = g.Wait()

	for i, target := range r.cfg.CriticalAPI {
		if results[i] != nil {
			failed = append(failed, target)
			r.logger.WithFields(logrus.Fields{
				"action": "precache_api_failed",
				"key":    target,
			}).Debug(results[i].Error())
			continue
		}
		stored = append(stored, target)
	}
	return stored, failed
}

// ActivateReport 汇总 activate 阶段删除的分区与清理的过期条目。
type ActivateReport struct {
	Dropped []string       `json:"dropped"`
	Expired map[string]int `json:"expired"`
}

// Activate 删除所有不属于当前 (kind, version) 集合的分区，随后清理当前分区的过期条目。
func (r *Router) Activate(ctx context.Context) (*ActivateReport, error) {
	ctx, span := r.tracer.Start(ctx, "Router.Activate", trace.WithAttributes(
		attribute.Int("edge.version", r.cfg.Version),
	))
	defer span.End()

	names, err := r.store.Names(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	report := &ActivateReport{}
	for _, name := range names {
		if r.cfg.IsCurrent(name) {
			continue
		}
		dropped, err := r.store.Drop(ctx, name)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("drop partition %s: %w", name, err)
		}
		if dropped {
			report.Dropped = append(report.Dropped, name)
		}
	}

	expired, err := r.SweepExpired(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	report.Expired = expired

	r.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"version": r.cfg.Version,
		"dropped": report.Dropped,
	}).Info("cache activate complete")
	return report, nil
}

// SweepExpired 清理当前版本全部分区中的过期条目，返回分区名 → 删除数量。
func (r *Router) SweepExpired(ctx context.Context) (map[string]int, error) {
	now := r.now()
	removed := make(map[string]int, len(cache.Kinds()))
	for _, kind := range cache.Kinds() {
		p, err := r.partition(ctx, kind)
		if err != nil {
			return removed, fmt.Errorf("open partition %s: %w", r.cfg.PartitionID(kind).Name(), err)
		}

		lock := r.writeLocks[kind]
		lock.Lock()
		keys, err := cache.SweepExpired(ctx, p, r.cfg.Policy(kind).MaxAge, now)
		lock.Unlock()

		r.stats.expired.Add(int64(len(keys)))
		removed[p.Name()] = len(keys)
		if err != nil {
			return removed, fmt.Errorf("sweep partition %s: %w", p.Name(), err)
		}
	}
	return removed, nil
}

// PartitionInfo 描述一个分区的当前状态，供诊断接口输出。
type PartitionInfo struct {
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	Version    int    `json:"version"`
	Current    bool   `json:"current"`
	MaxAge     string `json:"maxAge,omitempty"`
	MaxEntries int    `json:"maxEntries,omitempty"`
	Entries    int    `json:"entries"`
}

// Partitions 列出存储中的全部分区（包括尚未被 activate 清理的旧版本分区）。
func (r *Router) Partitions(ctx context.Context) ([]PartitionInfo, error) {
	names, err := r.store.Names(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	infos := make([]PartitionInfo, 0, len(names))
	for _, name := range names {
		info := PartitionInfo{Name: name, Current: r.cfg.IsCurrent(name)}
		if id, err := cache.ParsePartitionID(name); err == nil {
			info.Kind = string(id.Kind)
			info.Version = id.Version
		}
		if info.Current {
			policy := r.cfg.Policy(cache.Kind(info.Kind))
			info.MaxAge = policy.MaxAge.String()
			info.MaxEntries = policy.MaxEntries
		}
		p, err := r.store.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		if info.Entries, err = cache.Count(ctx, p); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
