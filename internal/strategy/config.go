package strategy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/any-hub/edge-cache/internal/cache"
)

// Config 是路由器的不可变配置：缓存版本、分区策略、分类规则与预缓存清单。
// NewRouter 会深拷贝一份，构造后调用方的修改不会影响路由器。
type Config struct {
	Version  int
	Policies map[cache.Kind]cache.Policy
	Rules    Rules

	RootPath    string
	OfflinePath string

	// StaticManifest 在 install 阶段全部成功才写入 static 分区。
	StaticManifest []string
	// CriticalAPI 在 install 阶段尽力写入 api 分区，单个失败被忽略。
	CriticalAPI []string

	RefreshTimeout time.Duration
}

// DefaultConfig 返回内置配置：版本 2、默认策略表与分类规则。
func DefaultConfig() Config {
	return Config{
		Version:        2,
		Policies:       cache.DefaultPolicies(),
		Rules:          DefaultRules(),
		RootPath:       "/",
		OfflinePath:    "/offline",
		StaticManifest: []string{"/", "/offline"},
		RefreshTimeout: 30 * time.Second,
	}
}

// PartitionID 返回当前版本下指定类别的分区标识。
func (c Config) PartitionID(kind cache.Kind) cache.PartitionID {
	return cache.PartitionID{Kind: kind, Version: c.Version}
}

// Policy 返回类别对应的策略，未配置时回退到内置默认值。
func (c Config) Policy(kind cache.Kind) cache.Policy {
	if policy, ok := c.Policies[kind]; ok {
		return policy
	}
	return cache.DefaultPolicies()[kind]
}

// IsCurrent 判断分区名称是否属于当前版本的分区集合。
func (c Config) IsCurrent(name string) bool {
	id, err := cache.ParsePartitionID(name)
	if err != nil || !id.Kind.Known() || id.Version != c.Version {
		return false
	}
	return id.Name() == name
}

// Validate 检查版本、策略与路径是否合法。
func (c Config) Validate() error {
	if c.Version < 0 {
		return fmt.Errorf("cache version must be >= 0, got %d", c.Version)
	}
	for kind, policy := range c.Policies {
		if !kind.Known() {
			return fmt.Errorf("unknown partition kind %q", kind)
		}
		if policy.MaxAge <= 0 {
			return fmt.Errorf("partition %s: max age must be positive", kind)
		}
		if policy.MaxEntries < 0 {
			return fmt.Errorf("partition %s: max entries must be >= 0", kind)
		}
	}
	for _, p := range []string{c.RootPath, c.OfflinePath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("fallback path %q must start with /", p)
		}
	}
	for _, target := range append(append([]string(nil), c.StaticManifest...), c.CriticalAPI...) {
		if !strings.HasPrefix(target, "/") {
			return fmt.Errorf("precache path %q must start with /", target)
		}
	}
	if c.RefreshTimeout < 0 {
		return errors.New("refresh timeout must be >= 0")
	}
	return nil
}

func (c Config) clone() Config {
	cloned := c
	cloned.Policies = make(map[cache.Kind]cache.Policy, len(c.Policies))
	for kind, policy := range c.Policies {
		cloned.Policies[kind] = policy
	}
	cloned.Rules = c.Rules.clone()
	cloned.StaticManifest = append([]string(nil), c.StaticManifest...)
	cloned.CriticalAPI = append([]string(nil), c.CriticalAPI...)
	return cloned
}
