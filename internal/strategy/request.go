package strategy

import (
	"context"
	"net/http"
	"strings"

	"github.com/any-hub/edge-cache/internal/cache"
)

// Request 是与传输层无关的请求描述，proxy 层由 Fiber 请求转换而来。
type Request struct {
	Method     string
	Path       string
	RawQuery   string
	Host       string
	RemoteAddr string
	Scheme     string
	Header     http.Header
	Body       []byte
}

// NewGetRequest 构造一个 GET 请求，target 可以携带查询串（/api/posts?page=1）。
func NewGetRequest(target string) *Request {
	path, query, _ := strings.Cut(target, "?")
	if path == "" {
		path = "/"
	}
	return &Request{
		Method:   http.MethodGet,
		Path:     path,
		RawQuery: query,
		Header:   http.Header{},
	}
}

// Key 返回缓存键：path + query。方法恒为 GET，不参与键。
func (r *Request) Key() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// Credentialed 报告请求是否携带 headers 中任一非空请求头。
func (r *Request) Credentialed(headers []string) bool {
	for _, name := range headers {
		if name != "" && r.Header.Get(name) != "" {
			return true
		}
	}
	return false
}

// Mode 对应 Sec-Fetch-Mode（navigate、cors、no-cors ...）。
func (r *Request) Mode() string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")))
}

// Destination 对应 Sec-Fetch-Dest（document、image、script ...）。
func (r *Request) Destination() string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
}

// Clone 深拷贝请求，后台刷新不能与请求处理共享可变状态。
func (r *Request) Clone() *Request {
	cloned := *r
	cloned.Header = r.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Fetcher 负责访问源站。返回 error 表示网络层失败（连接失败、超时、熔断），
// 非 2xx 状态码属于正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 允许以函数实现 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch 调用函数本身。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}
