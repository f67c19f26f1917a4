package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// TimestampHeader 记录响应写入缓存时的捕获时间（Unix 毫秒）。
const TimestampHeader = "X-Edge-Cached-At"

// Stamp 返回带捕获时间戳的副本，原响应保持不变。
func Stamp(resp *Response, capturedAt time.Time) *Response {
	stamped := resp.Clone()
	stamped.Header.Set(TimestampHeader, strconv.FormatInt(capturedAt.UnixMilli(), 10))
	return stamped
}

// CapturedAt 读取捕获时间戳，缺失或无法解析时返回 false。
func CapturedAt(resp *Response) (time.Time, bool) {
	if resp == nil || resp.Header == nil {
		return time.Time{}, false
	}
	raw := strings.TrimSpace(resp.Header.Get(TimestampHeader))
	if raw == "" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

// Age 返回条目年龄；没有时间戳时 ok 为 false。
func Age(resp *Response, now time.Time) (time.Duration, bool) {
	captured, ok := CapturedAt(resp)
	if !ok {
		return 0, false
	}
	return now.Sub(captured), true
}

// IsExpired 判断 (now - captureTime) > maxAge；缺少时间戳的响应一律视为过期。
func IsExpired(resp *Response, maxAge time.Duration, now time.Time) bool {
	age, ok := Age(resp, now)
	if !ok {
		return true
	}
	return age > maxAge
}

// SweepExpired 删除分区内全部过期条目，返回被删除的 key。
func SweepExpired(ctx context.Context, p Partition, maxAge time.Duration, now time.Time) ([]string, error) {
	keys, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, key := range keys {
		resp, err := p.Match(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return removed, err
		}
		if !IsExpired(resp, maxAge, now) {
			continue
		}
		deleted, err := p.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if deleted {
			removed = append(removed, key)
		}
	}
	return removed, nil
}
