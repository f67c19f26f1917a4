package cache

import "context"

// Evict 保证分区条目数不超过 maxEntries：按枚举顺序删除最早写入的条目（FIFO，而非 LRU）。
// maxEntries <= 0 表示不限制。返回被淘汰的 key。
func Evict(ctx context.Context, p Partition, maxEntries int) ([]string, error) {
	if maxEntries <= 0 {
		return nil, nil
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		return nil, err
	}
	overflow := len(keys) - maxEntries
	if overflow <= 0 {
		return nil, nil
	}

	evicted := make([]string, 0, overflow)
	for _, key := range keys[:overflow] {
		if _, err := p.Delete(ctx, key); err != nil {
			return evicted, err
		}
		evicted = append(evicted, key)
	}
	return evicted, nil
}
