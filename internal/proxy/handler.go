package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/edge-cache/internal/cache"
	"github.com/any-hub/edge-cache/internal/logging"
	"github.com/any-hub/edge-cache/internal/server"
	"github.com/any-hub/edge-cache/internal/strategy"
	"github.com/any-hub/edge-cache/internal/upstream"
)

// 响应头名称。
const (
	HeaderSource = "X-Edge-Cache"
	HeaderClass  = "X-Edge-Class"
)

// Router 是 Handler 依赖的缓存路由，*strategy.Router 实现了它。
type Router interface {
	Handle(ctx context.Context, req *strategy.Request) *strategy.Result
}

// Handler 把 Fiber 请求转换为 strategy.Request，交给缓存路由并写回结果。
type Handler struct {
	router Router
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler around the cache router.
func NewHandler(router Router, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{router: router, logger: logger}
}

// Handle 实现 server.ProxyHandler。网络失败由路由吸收为缓存或合成响应，
// 只有 passthrough 请求的网络失败会返回 502。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := h.router.Handle(ctx, req)
	setRequestIDHeader(c, requestID)
	c.Set(HeaderClass, string(result.Class))
	c.Set(HeaderSource, string(result.Source))

	if result.Response == nil {
		h.logResult(req, result, requestID, http.StatusBadGateway, started)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "upstream_failed"})
	}

	h.logResult(req, result, requestID, result.Response.Status, started)
	return writeResponse(c, req.Method, result.Response)
}

// buildRequest 复制 Fiber 请求的必要字段；fasthttp 会复用底层缓冲区，因此全部深拷贝。
func buildRequest(c fiber.Ctx) *strategy.Request {
	uri := c.Request().URI()
	path := string(uri.Path())
	if path == "" {
		path = "/"
	}
	req := &strategy.Request{
		Method:     c.Method(),
		Path:       path,
		RawQuery:   string(uri.QueryString()),
		Host:       string(c.Request().Host()),
		RemoteAddr: c.IP(),
		Scheme:     c.Scheme(),
		Header:     fiberHeadersAsHTTP(c),
	}
	if body := c.Request().Body(); len(body) > 0 {
		req.Body = append([]byte(nil), body...)
	}
	return req
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// writeResponse 写入状态码、头与响应体；HEAD 请求不写响应体。
// 超限的流式正文交给 fasthttp 边读边写，写完后由 fasthttp 关闭。
func writeResponse(c fiber.Ctx, method string, resp *cache.Response) error {
	c.Status(resp.Status)
	copyResponseHeaders(c, resp.Header)
	if method == http.MethodHead {
		return resp.Close()
	}
	if resp.Streaming() {
		c.Response().SetBodyStream(resp.Stream, -1)
		return nil
	}
	if len(resp.Body) == 0 {
		c.Response().ResetBody()
		return nil
	}
	return c.Send(resp.Body)
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if upstream.IsHopByHopHeader(key) || skipResponseHeader(key) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}

// skipResponseHeader 过滤由 fasthttp 重新计算的长度头以及内部的捕获时间戳。
func skipResponseHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Content-Length", cache.TimestampHeader:
		return true
	}
	return false
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (h *Handler) logResult(req *strategy.Request, result *strategy.Result, requestID string, status int, started time.Time) {
	fields := logging.RequestFields(string(result.Class), result.Strategy, string(result.Source), req.Key())
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if result.Err != nil {
		fields["error"] = result.Err.Error()
	}
	if result.Response == nil {
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	if result.Err != nil {
		h.logger.WithFields(fields).Warn("proxy_complete")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}
