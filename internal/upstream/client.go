package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/config"
	"github.com/any-hub/edge-cache/internal/strategy"
)

// ErrCircuitOpen 表示熔断器处于打开（或半开已满）状态，请求未发往源站。
var ErrCircuitOpen = errors.New("upstream circuit open")

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewHTTPClient 返回共享 http.Client，所有源站请求受 UpstreamTimeout 约束。
func NewHTTPClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
		// 重定向原样交给调用方，由浏览器自行跟随
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Client 实现 strategy.Fetcher：转发请求到源站并把响应完整读入内存快照。
type Client struct {
	origin  *url.URL
	http    *http.Client
	breaker *gobreaker.TwoStepCircuitBreaker
	logger  *logrus.Logger

	// maxBody 是读入内存的正文上限，超出部分以流的形式透传。
	maxBody int64
}

// NewClient 根据配置创建源站客户端；Breaker.Enabled 为 false 时不启用熔断。
func NewClient(cfg *config.Config, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	origin, err := url.Parse(cfg.Global.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %s", cfg.Global.Origin)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	maxBody := cfg.Global.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}

	client := &Client{
		origin:  origin,
		http:    NewHTTPClient(cfg),
		logger:  logger,
		maxBody: maxBody,
	}
	if cfg.Breaker.Enabled {
		client.breaker = gobreaker.NewTwoStepCircuitBreaker(breakerSettings(cfg.Breaker, logger))
	}
	return client, nil
}

func breakerSettings(b config.BreakerConfig, logger *logrus.Logger) gobreaker.Settings {
	threshold := b.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.Settings{
		Name:        "origin",
		MaxRequests: b.MaxRequests,
		Interval:    b.Interval.DurationValue(),
		Timeout:     b.Timeout.DurationValue(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"action":  "breaker_state",
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("origin breaker state changed")
		},
	}
}

// Origin 返回源站地址。
func (c *Client) Origin() *url.URL { return c.origin }

// Fetch 转发请求。网络错误、超时与熔断返回 error；任何 HTTP 状态码都作为正常响应返回，
// 但 5xx 会计入熔断失败次数。
func (c *Client) Fetch(ctx context.Context, req *strategy.Request) (*cache.Response, error) {
	var done func(success bool)
	if c.breaker != nil {
		var err error
		done, err = c.breaker.Allow()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
	}

	resp, err := c.do(ctx, req)
	if done != nil {
		done(err == nil && resp.Status < http.StatusInternalServerError)
	}
	return resp, err
}

func (c *Client) do(ctx context.Context, req *strategy.Request) (*cache.Response, error) {
	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	CopyHeaders(header, httpResp.Header)
	header.Del("Content-Length")
	resp := &cache.Response{Status: httpResp.StatusCode, Header: header}

	if req.Method == http.MethodHead {
		httpResp.Body.Close()
		return resp, nil
	}

	// 多读一个字节用于判断是否超限
	prefix, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		httpResp.Body.Close()
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if int64(len(prefix)) <= c.maxBody {
		httpResp.Body.Close()
		resp.Body = prefix
		return resp, nil
	}

	c.logger.WithFields(logrus.Fields{
		"action": "upstream_stream",
		"path":   req.Path,
		"limit":  c.maxBody,
		"length": httpResp.ContentLength,
	}).Debug("upstream body exceeds limit, streaming without cache")
	resp.Stream = &bodyStream{
		Reader: io.MultiReader(bytes.NewReader(prefix), httpResp.Body),
		closer: httpResp.Body,
	}
	return resp, nil
}

// bodyStream 先返回已读取的前缀，再继续读取源站连接中剩余的正文。
type bodyStream struct {
	io.Reader
	closer io.Closer
}

func (s *bodyStream) Close() error {
	return s.closer.Close()
}

func (c *Client) buildRequest(ctx context.Context, req *strategy.Request) (*http.Request, error) {
	target := c.resolve(req)
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")
	httpReq.Header.Del("Host")
	httpReq.Host = c.origin.Host
	if req.Host != "" {
		httpReq.Header.Set("X-Forwarded-Host", req.Host)
	}
	if ip := clientIP(req.RemoteAddr); ip != "" {
		if prior := httpReq.Header.Get("X-Forwarded-For"); prior != "" {
			httpReq.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			httpReq.Header.Set("X-Forwarded-For", ip)
		}
	}
	if req.Scheme != "" {
		httpReq.Header.Set("X-Forwarded-Proto", req.Scheme)
	}
	return httpReq, nil
}

// resolve 将请求路径拼接到源站地址上，保留源站自身的路径前缀。
func (c *Client) resolve(req *strategy.Request) *url.URL {
	target := *c.origin
	p := req.Path
	if p == "" {
		p = "/"
	}
	target.Path = strings.TrimRight(c.origin.Path, "/") + p
	target.RawPath = ""
	target.RawQuery = req.RawQuery
	target.Fragment = ""
	return &target
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
