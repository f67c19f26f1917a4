package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/edge-cache/internal/cache"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.RefreshTimeout.DurationValue() < 0 {
		return newFieldError("Global.RefreshTimeout", "不能为负数")
	}
	if g.MaxBodyBytes < 0 {
		return newFieldError("Global.MaxBodyBytes", "不能为负数")
	}
	if g.CacheVersion < 0 {
		return newFieldError("Global.CacheVersion", "不能为负数")
	}
	if !strings.HasPrefix(g.RootPath, "/") {
		return newFieldError("Global.RootPath", "必须以 / 开头")
	}
	if !strings.HasPrefix(g.OfflinePath, "/") {
		return newFieldError("Global.OfflinePath", "必须以 / 开头")
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	for _, target := range c.Precache.Static {
		if !strings.HasPrefix(target, "/") {
			return newFieldError("Precache.Static", fmt.Sprintf("路径必须以 / 开头: %s", target))
		}
	}
	for _, target := range c.Precache.API {
		if !strings.HasPrefix(target, "/") {
			return newFieldError("Precache.API", fmt.Sprintf("路径必须以 / 开头: %s", target))
		}
	}

	if c.Breaker.Interval.DurationValue() < 0 || c.Breaker.Timeout.DurationValue() < 0 {
		return newFieldError("Breaker", "Interval/Timeout 不能为负数")
	}

	seen := map[string]struct{}{}
	for _, p := range c.Partitions {
		if !cache.Kind(p.Kind).Known() {
			return newFieldError(partitionField(p.Kind, "Kind"), "仅支持 static|dynamic|image|api")
		}
		if _, exists := seen[p.Kind]; exists {
			return newFieldError(partitionField(p.Kind, "Kind"), "重复")
		}
		seen[p.Kind] = struct{}{}
		if p.MaxAge.DurationValue() < 0 {
			return newFieldError(partitionField(p.Kind, "MaxAge"), "不能为负数")
		}
		if p.MaxEntries < 0 {
			return newFieldError(partitionField(p.Kind, "MaxEntries"), "不能为负数")
		}
	}

	return nil
}

func (s StorageConfig) validate() error {
	switch s.Backend {
	case cache.BackendMemory:
	case cache.BackendDisk:
		if s.Path == "" {
			return newFieldError("Storage.Path", "disk 后端不能为空")
		}
	case cache.BackendSQLite:
		if s.Path == "" && s.DSN == "" {
			return newFieldError("Storage.Path", "sqlite 后端需要 Path 或 DSN")
		}
	case cache.BackendPostgres:
		if s.DSN == "" {
			return newFieldError("Storage.DSN", "postgres 后端不能为空")
		}
	case cache.BackendRedis:
		if s.RedisAddr == "" {
			return newFieldError("Storage.RedisAddr", "redis 后端不能为空")
		}
	default:
		return newFieldError("Storage.Backend", "仅支持 "+strings.Join(cache.Backends(), "|"))
	}
	if s.RedisDB < 0 {
		return newFieldError("Storage.RedisDB", "不能为负数")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	return nil
}
