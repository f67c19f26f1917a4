package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
)

// Store 管理一组具名缓存分区（static-v2、api-v2 ...），对应浏览器 Cache Storage 的 bucket 集合。
// 所有实现必须可被多个 goroutine 并发使用，单条目的 Put/Delete 需保证原子性。
type Store interface {
	// Open 返回指定名称的分区，不存在时创建。
	Open(ctx context.Context, name string) (Partition, error)

	// Has 判断分区是否已经存在，不会创建分区。
	Has(ctx context.Context, name string) (bool, error)

	// Names 返回当前存在的全部分区名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)

	// Drop 删除整个分区及其条目，返回分区此前是否存在。
	Drop(ctx context.Context, name string) (bool, error)

	// Close 释放底层连接或文件句柄。
	Close() error
}

// Partition 是一个具名的 key → Response 映射，key 为请求 URL（path + query）。
type Partition interface {
	Name() string

	// Match 返回缓存的响应快照副本；不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入或替换条目。替换时条目会移动到枚举顺序的末尾，与 Cache Storage 的 put 语义一致。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除条目，返回条目此前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 按写入顺序（最旧在前）枚举当前条目。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是写入分区的响应快照：状态码、头部（含捕获时间戳）与完整正文。
//
// 正文超过上游读取上限时 Body 为空，完整正文由 Stream 提供。
// 这类响应只能透传给客户端，不能写入分区，持有者负责调用 Close。
type Response struct {
	Status int           `json:"status"`
	Header http.Header   `json:"header"`
	Body   []byte        `json:"body"`
	Stream io.ReadCloser `json:"-"`
}

// Streaming 报告正文是否仍在源站连接中。
func (r *Response) Streaming() bool {
	return r != nil && r.Stream != nil
}

// Close 释放未读完的正文流；快照响应调用无副作用。
func (r *Response) Close() error {
	if !r.Streaming() {
		return nil
	}
	return r.Stream.Close()
}

// Clone 返回深拷贝，避免调用方修改已缓存的快照。Stream 不可复制，副本不携带 Stream。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

// OK 对应 fetch Response.ok：2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidPartition 表示分区名称不合法。
	ErrInvalidPartition = errors.New("invalid partition name")
)

var partitionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidatePartitionName 拒绝空名称、路径分隔符以及 "." / ".."。
func ValidatePartitionName(name string) error {
	if name == "." || name == ".." || !partitionNamePattern.MatchString(name) {
		return ErrInvalidPartition
	}
	return nil
}

// Count 返回分区当前条目数。
func Count(ctx context.Context, p Partition) (int, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}
