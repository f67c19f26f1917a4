package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"
)

// Refresher 执行尽力而为的后台刷新：调用方从不等待结果，失败只记录 debug 日志。
// 同一 key 的并发刷新经 singleflight 合并为一次源站请求。
type Refresher struct {
	timeout time.Duration
	logger  *logrus.Logger

	group singleflight.Group
	wg    sync.WaitGroup

	pending  *atomic.Int64
	attempts *atomic.Int64
	failures *atomic.Int64
}

// NewRefresher 创建刷新器；timeout <= 0 时不额外设置超时。
func NewRefresher(timeout time.Duration, logger *logrus.Logger) *Refresher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Refresher{
		timeout:  timeout,
		logger:   logger,
		pending:  atomic.NewInt64(0),
		attempts: atomic.NewInt64(0),
		failures: atomic.NewInt64(0),
	}
}

// Go 调度一次后台刷新并立即返回。fn 运行在脱离请求取消信号的上下文中，
// 请求结束不会中断刷新。
func (f *Refresher) Go(ctx context.Context, key string, fn func(ctx context.Context) error) {
	f.pending.Inc()
	f.wg.Add(1)
	detached := context.WithoutCancel(ctx)

	go func() {
		defer f.wg.Done()
		defer f.pending.Dec()

		runCtx := detached
		if f.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(detached, f.timeout)
			defer cancel()
		}

		_, err, _ := f.group.Do(key, func() (interface{}, error) {
			f.attempts.Inc()
			return nil, fn(runCtx)
		})
		if err != nil {
			f.failures.Inc()
			f.logger.WithFields(logrus.Fields{
				"action": "refresh_failed",
				"key":    key,
			}).Debug(err.Error())
		}
	}()
}

// Wait 阻塞直到所有已调度的刷新结束，仅供测试与优雅退出使用。
func (f *Refresher) Wait() {
	f.wg.Wait()
}

// Pending 返回尚未结束的刷新数量。
func (f *Refresher) Pending() int64 { return f.pending.Load() }

// Attempts 返回实际发起的刷新次数（合并后的请求只计一次）。
func (f *Refresher) Attempts() int64 { return f.attempts.Load() }

// Failures 返回失败的刷新次数。
func (f *Refresher) Failures() int64 { return f.failures.Load() }
