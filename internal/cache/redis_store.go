package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisStore 将分区保存到 Redis，多个边缘节点可共享同一份缓存。
// 键布局：
//
//	<prefix>:partitions          SET   已打开的分区
//	<prefix>:p:<name>:entries    HASH  key → JSON(Response)
//	<prefix>:p:<name>:order      ZSET  key 按写入序号排序
//	<prefix>:seq                 INCR  全局写入序号
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 基于现有客户端构建存储并 PING 一次确认可用。
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string) (*RedisStore, error) {
	if prefix == "" {
		prefix = "edge-cache"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) partitionsKey() string { return s.prefix + ":partitions" }
func (s *RedisStore) seqKey() string        { return s.prefix + ":seq" }
func (s *RedisStore) entriesKey(name string) string {
	return s.prefix + ":p:" + name + ":entries"
}
func (s *RedisStore) orderKey(name string) string {
	return s.prefix + ":p:" + name + ":order"
}

func (s *RedisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, s.partitionsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &redisPartition{store: s, name: name}, nil
}

func (s *RedisStore) Has(ctx context.Context, name string) (bool, error) {
	return s.client.SIsMember(ctx, s.partitionsKey(), name).Result()
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Drop(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.partitionsKey(), name)
		pipe.Del(ctx, s.entriesKey(name), s.orderKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisPartition struct {
	store *RedisStore
	name  string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Match(ctx context.Context, key string) (*Response, error) {
	raw, err := p.store.client.HGet(ctx, p.store.entriesKey(p.name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", key, err)
	}
	if resp.Header == nil {
		resp.Header = make(map[string][]string)
	}
	return &resp, nil
}

// Put 写入正文并以新的全局序号更新 ZSET 分值，替换时条目移动到末尾。
func (p *redisPartition) Put(ctx context.Context, key string, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", key, err)
	}
	seq, err := p.store.client.Incr(ctx, p.store.seqKey()).Result()
	if err != nil {
		return err
	}
	_, err = p.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.store.partitionsKey(), p.name)
		pipe.HSet(ctx, p.store.entriesKey(p.name), key, payload)
		pipe.ZAdd(ctx, p.store.orderKey(p.name), redis.Z{Score: float64(seq), Member: key})
		return nil
	})
	return err
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := p.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, p.store.entriesKey(p.name), key)
		pipe.ZRem(ctx, p.store.orderKey(p.name), key)
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	return p.store.client.ZRange(ctx, p.store.orderKey(p.name), 0, -1).Result()
}
