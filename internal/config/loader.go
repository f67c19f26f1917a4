package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、合并预缓存清单并完成校验。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyStorageDefaults(&cfg.Storage)
	applyBreakerDefaults(&cfg.Breaker)
	for i := range cfg.Partitions {
		cfg.Partitions[i].Kind = strings.ToLower(strings.TrimSpace(cfg.Partitions[i].Kind))
	}

	if err := cfg.mergeManifest(path); err != nil {
		return nil, err
	}
	applyPrecacheDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Storage.Path != "" {
		absStorage, err := filepath.Abs(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Storage.Path = absStorage
	}

	return &cfg, nil
}

// DefaultMaxBodyBytes 是单个源站响应可读入内存并缓存的默认上限（32 MiB）。
const DefaultMaxBodyBytes int64 = 32 << 20

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("RefreshTimeout", "30s")
	v.SetDefault("MaxBodyBytes", DefaultMaxBodyBytes)
	v.SetDefault("CacheVersion", 2)
	v.SetDefault("RootPath", "/")
	v.SetDefault("OfflinePath", "/offline")
	v.SetDefault("Storage.Backend", "disk")
	v.SetDefault("Storage.Path", "./storage")
	v.SetDefault("Storage.KeyPrefix", "edge-cache")
	v.SetDefault("Breaker.Enabled", true)
	v.SetDefault("Breaker.MaxRequests", 1)
	v.SetDefault("Breaker.Interval", "60s")
	v.SetDefault("Breaker.Timeout", "30s")
	v.SetDefault("Breaker.ConsecutiveFailures", 5)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxBodyBytes == 0 {
		g.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if g.RootPath == "" {
		g.RootPath = "/"
	}
	if g.OfflinePath == "" {
		g.OfflinePath = "/offline"
	}
	g.Origin = strings.TrimRight(strings.TrimSpace(g.Origin), "/")
}

func applyStorageDefaults(s *StorageConfig) {
	s.Backend = strings.ToLower(strings.TrimSpace(s.Backend))
	if s.Backend == "" {
		s.Backend = "disk"
	}
	if s.KeyPrefix == "" {
		s.KeyPrefix = "edge-cache"
	}
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.MaxRequests == 0 {
		b.MaxRequests = 1
	}
	if b.ConsecutiveFailures == 0 {
		b.ConsecutiveFailures = 5
	}
	if b.Timeout.DurationValue() == 0 {
		b.Timeout = Duration(30 * time.Second)
	}
}

// applyPrecacheDefaults 在未配置 Static 且没有清单时预缓存首页与离线页。
func applyPrecacheDefaults(cfg *Config) {
	if cfg.Precache.Static == nil && cfg.Precache.Manifest == "" {
		cfg.Precache.Static = []string{cfg.Global.RootPath, cfg.Global.OfflinePath}
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
