package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、源站与缓存版本。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	Origin          string   `mapstructure:"Origin"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	RefreshTimeout  Duration `mapstructure:"RefreshTimeout"`
	MaxBodyBytes    int64    `mapstructure:"MaxBodyBytes"`
	CacheVersion    int      `mapstructure:"CacheVersion"`
	RootPath        string   `mapstructure:"RootPath"`
	OfflinePath     string   `mapstructure:"OfflinePath"`
}

// StorageConfig 选择缓存分区的持久化后端。
type StorageConfig struct {
	Backend       string `mapstructure:"Backend"`
	Path          string `mapstructure:"Path"`
	DSN           string `mapstructure:"DSN"`
	RedisAddr     string `mapstructure:"RedisAddr"`
	RedisPassword string `mapstructure:"RedisPassword"`
	RedisDB       int    `mapstructure:"RedisDB"`
	KeyPrefix     string `mapstructure:"KeyPrefix"`
}

// RoutingConfig 覆盖请求分类规则，未设置的列表沿用内置默认值。
type RoutingConfig struct {
	APIPrefixes      []string `mapstructure:"APIPrefixes"`
	APIMarkers       []string `mapstructure:"APIMarkers"`
	ImagePrefixes    []string `mapstructure:"ImagePrefixes"`
	ImageExtensions  []string `mapstructure:"ImageExtensions"`
	StaticPrefixes   []string `mapstructure:"StaticPrefixes"`
	StaticExtensions []string `mapstructure:"StaticExtensions"`
	PrivateHeaders   []string `mapstructure:"PrivateHeaders"`
}

// PrecacheConfig 定义 install 阶段的预缓存清单；Manifest 指向可选的 YAML 文件。
type PrecacheConfig struct {
	Manifest string   `mapstructure:"Manifest"`
	Static   []string `mapstructure:"Static"`
	API      []string `mapstructure:"API"`
}

// BreakerConfig 控制源站熔断器。
type BreakerConfig struct {
	Enabled             bool     `mapstructure:"Enabled"`
	MaxRequests         uint32   `mapstructure:"MaxRequests"`
	Interval            Duration `mapstructure:"Interval"`
	Timeout             Duration `mapstructure:"Timeout"`
	ConsecutiveFailures uint32   `mapstructure:"ConsecutiveFailures"`
}

// PartitionConfig 覆盖单个分区类别的新鲜度策略。
type PartitionConfig struct {
	Kind       string   `mapstructure:"Kind"`
	MaxAge     Duration `mapstructure:"MaxAge"`
	MaxEntries int      `mapstructure:"MaxEntries"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global     GlobalConfig      `mapstructure:",squash"`
	Storage    StorageConfig     `mapstructure:"Storage"`
	Routing    RoutingConfig     `mapstructure:"Routing"`
	Precache   PrecacheConfig    `mapstructure:"Precache"`
	Breaker    BreakerConfig     `mapstructure:"Breaker"`
	Partitions []PartitionConfig `mapstructure:"Partition"`
}
