package strategy

import (
	"net/http"
	"path"
	"strings"
)

// Class 是请求分类结果。
type Class string

const (
	ClassAPI         Class = "api"
	ClassImage       Class = "image"
	ClassStatic      Class = "static"
	ClassNavigation  Class = "navigation"
	ClassOther       Class = "other"
	ClassPassthrough Class = "passthrough"
)

// Rules 描述分类所用的路径前缀、扩展名与 API 标记。
type Rules struct {
	// APIPrefixes 匹配 path 前缀，如 /api/。
	APIPrefixes []string
	// APIMarkers 匹配 Host 或 path 中的子串，用于识别 CMS API 源。
	APIMarkers       []string
	ImagePrefixes    []string
	ImageExtensions  []string
	StaticPrefixes   []string
	StaticExtensions []string
	// PrivateHeaders 中任一请求头非空即视为携带用户凭据，请求绕过共享缓存。
	PrivateHeaders []string
}

// DefaultRules 返回内置分类规则。
func DefaultRules() Rules {
	return Rules{
		APIPrefixes:      []string{"/api/"},
		ImagePrefixes:    []string{"/_next/image"},
		ImageExtensions:  []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico"},
		StaticPrefixes:   []string{"/_next/static/"},
		StaticExtensions: []string{".js", ".mjs", ".css", ".woff", ".woff2", ".ttf", ".otf", ".eot", ".map", ".webmanifest"},
		PrivateHeaders:   []string{"Authorization", "Cookie"},
	}
}

func (r Rules) clone() Rules {
	return Rules{
		APIPrefixes:      append([]string(nil), r.APIPrefixes...),
		APIMarkers:       append([]string(nil), r.APIMarkers...),
		ImagePrefixes:    append([]string(nil), r.ImagePrefixes...),
		ImageExtensions:  append([]string(nil), r.ImageExtensions...),
		StaticPrefixes:   append([]string(nil), r.StaticPrefixes...),
		StaticExtensions: append([]string(nil), r.StaticExtensions...),
		PrivateHeaders:   append([]string(nil), r.PrivateHeaders...),
	}
}

// Classify 按顺序判定：非 GET → passthrough；API → 图片 → 静态资源 → 导航 → other。
func Classify(req *Request, rules Rules) Class {
	if req.Method != http.MethodGet {
		return ClassPassthrough
	}

	p := req.Path
	if hasAnyPrefix(p, rules.APIPrefixes) || containsAny(req.Host, rules.APIMarkers) || containsAny(p, rules.APIMarkers) {
		return ClassAPI
	}

	ext := strings.ToLower(path.Ext(p))
	if req.Destination() == "image" || hasAnyPrefix(p, rules.ImagePrefixes) || matchesExt(ext, rules.ImageExtensions) {
		return ClassImage
	}
	if hasAnyPrefix(p, rules.StaticPrefixes) || matchesExt(ext, rules.StaticExtensions) {
		return ClassStatic
	}

	if req.Mode() == "navigate" || acceptsHTML(req.Header) {
		return ClassNavigation
	}
	return ClassOther
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

func containsAny(value string, markers []string) bool {
	if value == "" {
		return false
	}
	for _, marker := range markers {
		if marker != "" && strings.Contains(value, marker) {
			return true
		}
	}
	return false
}

func matchesExt(ext string, exts []string) bool {
	if ext == "" {
		return false
	}
	for _, candidate := range exts {
		if strings.EqualFold(ext, candidate) {
			return true
		}
	}
	return false
}

func acceptsHTML(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Accept")), "text/html")
}
