package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"
)

// 支持的存储后端。
const (
	BackendMemory   = "memory"
	BackendDisk     = "disk"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Backends 返回全部可选后端名称。
func Backends() []string {
	return []string{BackendMemory, BackendDisk, BackendSQLite, BackendPostgres, BackendRedis}
}

// StoreOptions 汇总各后端所需的连接参数。
type StoreOptions struct {
	Backend       string
	Path          string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// OpenStore 按 Backend 构建 Store。sqlite 未提供 DSN 时在 Path 下创建 edge-cache.db。
func OpenStore(ctx context.Context, opts StoreOptions) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendDisk:
		return NewFileStore(opts.Path)
	case BackendSQLite:
		dsn := opts.DSN
		if dsn == "" {
			if opts.Path == "" {
				return nil, fmt.Errorf("sqlite backend requires Path or DSN")
			}
			if err := os.MkdirAll(opts.Path, 0o755); err != nil {
				return nil, fmt.Errorf("create storage path: %w", err)
			}
			dsn = filepath.Join(opts.Path, "edge-cache.db")
		}
		return OpenSQLStore(ctx, DialectSQLite, dsn)
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires DSN")
		}
		return OpenSQLStore(ctx, DialectPostgres, opts.DSN)
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
		})
		store, err := NewRedisStore(ctx, client, opts.KeyPrefix)
		if err != nil {
			client.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", opts.Backend)
	}
}
