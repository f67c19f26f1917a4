package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest 是预缓存清单文件的结构：
//
//	static:
//	  - /
//	  - /offline
//	api:
//	  - /api/posts?limit=6
type Manifest struct {
	Static []string `yaml:"static"`
	API    []string `yaml:"api"`
}

// LoadManifest 读取 YAML 预缓存清单。
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取预缓存清单失败: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("解析预缓存清单失败: %w", err)
	}
	return &manifest, nil
}

// mergeManifest 将清单追加到内联列表，相对路径以配置文件所在目录为基准，重复项只保留一次。
func (c *Config) mergeManifest(configPath string) error {
	if c.Precache.Manifest == "" {
		return nil
	}
	path := c.Precache.Manifest
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(configPath), path)
	}
	manifest, err := LoadManifest(path)
	if err != nil {
		return err
	}
	c.Precache.Manifest = path
	c.Precache.Static = appendUnique(c.Precache.Static, manifest.Static...)
	c.Precache.API = appendUnique(c.Precache.API, manifest.API...)
	return nil
}

func appendUnique(dst []string, values ...string) []string {
	seen := make(map[string]struct{}, len(dst)+len(values))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
