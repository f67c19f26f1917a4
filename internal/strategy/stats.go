package strategy

import "go.uber.org/atomic"

// Stats 汇总路由器计数器，并发安全。
type Stats struct {
	hits            *atomic.Int64
	misses          *atomic.Int64
	staleServed     *atomic.Int64
	fallbacks       *atomic.Int64
	synthetic       *atomic.Int64
	networkFetches  *atomic.Int64
	networkFailures *atomic.Int64
	evictions       *atomic.Int64
	expired         *atomic.Int64
	bypassed        *atomic.Int64
}

func newStats() *Stats {
	return &Stats{
		hits:            atomic.NewInt64(0),
		misses:          atomic.NewInt64(0),
		staleServed:     atomic.NewInt64(0),
		fallbacks:       atomic.NewInt64(0),
		synthetic:       atomic.NewInt64(0),
		networkFetches:  atomic.NewInt64(0),
		networkFailures: atomic.NewInt64(0),
		evictions:       atomic.NewInt64(0),
		expired:         atomic.NewInt64(0),
		bypassed:        atomic.NewInt64(0),
	}
}

// StatsSnapshot 是某一时刻的计数器快照，用于诊断接口输出。
type StatsSnapshot struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	StaleServed     int64 `json:"staleServed"`
	Fallbacks       int64 `json:"fallbacks"`
	Synthetic       int64 `json:"synthetic"`
	NetworkFetches  int64 `json:"networkFetches"`
	NetworkFailures int64 `json:"networkFailures"`
	Evictions       int64 `json:"evictions"`
	Expired         int64 `json:"expired"`
	Bypassed        int64 `json:"bypassed"`
	Refreshes       int64 `json:"refreshes"`
	RefreshFailures int64 `json:"refreshFailures"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:            s.hits.Load(),
		Misses:          s.misses.Load(),
		StaleServed:     s.staleServed.Load(),
		Fallbacks:       s.fallbacks.Load(),
		Synthetic:       s.synthetic.Load(),
		NetworkFetches:  s.networkFetches.Load(),
		NetworkFailures: s.networkFailures.Load(),
		Evictions:       s.evictions.Load(),
		Expired:         s.expired.Load(),
		Bypassed:        s.bypassed.Load(),
	}
}
