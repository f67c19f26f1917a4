package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStore 构建进程内分区存储，适合测试与单实例部署。
func NewMemoryStore() Store {
	return &memoryStore{partitions: make(map[string]*memoryPartition)}
}

type memoryStore struct {
	mu         sync.Mutex
	partitions map[string]*memoryPartition
}

func (s *memoryStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ValidatePartitionName(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		p = &memoryPartition{name: name, entries: make(map[string]memoryEntry)}
		s.partitions[name] = p
	}
	return p, nil
}

func (s *memoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.partitions[name]
	return ok, nil
}

func (s *memoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Drop(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[name]
	if !ok {
		return false, nil
	}
	delete(s.partitions, name)
	p.mu.Lock()
	p.entries = make(map[string]memoryEntry)
	p.mu.Unlock()
	return true, nil
}

func (s *memoryStore) Close() error { return nil }

type memoryEntry struct {
	resp *Response
	seq  uint64
}

type memoryPartition struct {
	name string

	mu      sync.RWMutex
	seq     uint64
	entries map[string]memoryEntry
}

func (p *memoryPartition) Name() string { return p.name }

func (p *memoryPartition) Match(ctx context.Context, key string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	entry, ok := p.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.resp.Clone(), nil
}

func (p *memoryPartition) Put(ctx context.Context, key string, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.entries[key] = memoryEntry{resp: resp.Clone(), seq: p.seq}
	return nil
}

func (p *memoryPartition) Delete(_ context.Context, key string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (p *memoryPartition) Keys(_ context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return orderedKeys(p.entries, func(e memoryEntry) uint64 { return e.seq }), nil
}

// orderedKeys 按写入序号升序输出 key。
func orderedKeys[E any](entries map[string]E, seq func(E) uint64) []string {
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return seq(entries[keys[i]]) < seq(entries[keys[j]])
	})
	return keys
}
