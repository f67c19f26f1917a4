package strategy

import (
	"encoding/json"
	"net/http"

	"github.com/any-hub/edge-cache/internal/cache"
)

const (
	offlineText    = "Offline - resource unavailable"
	offlineMessage = "Network unavailable and no cached data"
)

// offlineHTML 是导航请求在没有任何缓存页面时返回的内联离线页。
const offlineHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Offline</title>
<style>
body{font-family:system-ui,-apple-system,sans-serif;display:flex;align-items:center;justify-content:center;min-height:100vh;margin:0;background:#f8f8f8;color:#333;text-align:center}
main{padding:2rem}
button{margin-top:1rem;padding:.5rem 1.5rem;border:0;border-radius:4px;background:#333;color:#fff;cursor:pointer}
</style>
</head>
<body>
<main>
<h1>You are offline</h1>
<p>This page is not available offline. Check your connection and try again.</p>
<button onclick="location.reload()">Retry</button>
</main>
</body>
</html>
`

// offlinePayload 是 API 离线响应的固定结构。
type offlinePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func syntheticResponse(contentType string, body []byte) *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", "no-store")
	return &cache.Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   body,
	}
}

// OfflineJSON 返回 API 请求的离线 503 响应。
func OfflineJSON() *cache.Response {
	body, _ := json.Marshal(offlinePayload{Error: "offline", Message: offlineMessage})
	return syntheticResponse("application/json", body)
}

// OfflineText 返回静态资源与图片的离线 503 纯文本响应。
func OfflineText() *cache.Response {
	return syntheticResponse("text/plain; charset=utf-8", []byte(offlineText))
}

// offlineFor 按请求类别选择离线响应。
func offlineFor(class Class) *cache.Response {
	switch class {
	case ClassAPI:
		return OfflineJSON()
	case ClassNavigation:
		return OfflineHTML()
	default:
		return OfflineText()
	}
}

// OfflineHTML 返回导航请求兜底的内联离线页（503）。
func OfflineHTML() *cache.Response {
	return syntheticResponse("text/html; charset=utf-8", []byte(offlineHTML))
}
