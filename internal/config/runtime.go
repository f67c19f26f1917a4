package config

import (
	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/strategy"
)

// RouterConfig 将配置转换为路由器使用的不可变 strategy.Config。
// 未覆盖的分区策略与分类规则沿用内置默认值。
func (c *Config) RouterConfig() strategy.Config {
	rc := strategy.DefaultConfig()
	rc.Version = c.Global.CacheVersion
	rc.RootPath = c.Global.RootPath
	rc.OfflinePath = c.Global.OfflinePath
	rc.RefreshTimeout = c.Global.RefreshTimeout.DurationValue()
	rc.StaticManifest = append([]string(nil), c.Precache.Static...)
	rc.CriticalAPI = append([]string(nil), c.Precache.API...)

	for _, p := range c.Partitions {
		kind := cache.Kind(p.Kind)
		policy := rc.Policy(kind)
		if p.MaxAge.DurationValue() > 0 {
			policy.MaxAge = p.MaxAge.DurationValue()
		}
		if p.MaxEntries > 0 {
			policy.MaxEntries = p.MaxEntries
		}
		rc.Policies[kind] = policy
	}

	r := c.Routing
	overrideList(&rc.Rules.APIPrefixes, r.APIPrefixes)
	overrideList(&rc.Rules.APIMarkers, r.APIMarkers)
	overrideList(&rc.Rules.ImagePrefixes, r.ImagePrefixes)
	overrideList(&rc.Rules.ImageExtensions, r.ImageExtensions)
	overrideList(&rc.Rules.StaticPrefixes, r.StaticPrefixes)
	overrideList(&rc.Rules.StaticExtensions, r.StaticExtensions)
	overrideList(&rc.Rules.PrivateHeaders, r.PrivateHeaders)
	return rc
}

func overrideList(dst *[]string, values []string) {
	if values != nil {
		*dst = append([]string(nil), values...)
	}
}

// StoreOptions 将 Storage 段转换为缓存后端参数。
func (c *Config) StoreOptions() cache.StoreOptions {
	s := c.Storage
	return cache.StoreOptions{
		Backend:       s.Backend,
		Path:          s.Path,
		DSN:           s.DSN,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		KeyPrefix:     s.KeyPrefix,
	}
}
