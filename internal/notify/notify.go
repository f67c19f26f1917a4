// Package notify 承接后台推送事件：解析固定形状的负载并交给通知通道。
// 平台通知 API 本身属于外部协作方，这里只提供接口与日志实现。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTitle = "Edge Cache"
	DefaultBody  = "New content available"
	DefaultURL   = "/"
)

// Payload 是推送事件的负载，点击通知时打开 URL。
type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// Decode 解析 JSON 负载；空输入或缺失字段使用默认值。
func Decode(data []byte) (Payload, error) {
	var p Payload
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return Payload{}, fmt.Errorf("decode push payload: %w", err)
		}
	}
	return p.withDefaults(), nil
}

func (p Payload) withDefaults() Payload {
	if strings.TrimSpace(p.Title) == "" {
		p.Title = DefaultTitle
	}
	if strings.TrimSpace(p.Body) == "" {
		p.Body = DefaultBody
	}
	if strings.TrimSpace(p.URL) == "" {
		p.URL = DefaultURL
	}
	return p
}

// Notifier 展示一条通知。
type Notifier interface {
	Notify(ctx context.Context, p Payload) error
}

// NotifierFunc 允许直接用函数实现 Notifier。
type NotifierFunc func(ctx context.Context, p Payload) error

func (f NotifierFunc) Notify(ctx context.Context, p Payload) error { return f(ctx, p) }

// LogNotifier 把通知写成结构化日志。
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"action": "notify",
		"title":  p.Title,
		"body":   p.Body,
		"url":    p.URL,
	}).Info("push_notification")
	return nil
}
