package cache

import (
	"context"
	"sort"
	"sync"
)

// MemStore is an in-memory Store, used by tests and by single-process
// demos where wiring a real Redis instance isn't warranted.
type MemStore struct {
	mu    sync.Mutex
	sets  map[string]map[string]float64
	flat  map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{sets: make(map[string]map[string]float64), flat: make(map[string][]byte)}
}

func (m *MemStore) ZAdd(_ context.Context, key string, score float64, member []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]float64)
		m.sets[key] = set
	}
	set[string(member)] = score
	return nil
}

func (m *MemStore) ZRevRangeWithScores(_ context.Context, key string, count int64) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	out := make([]ScoredMember, 0, len(set))
	for member, score := range set {
		out = append(out, ScoredMember{Member: []byte(member), Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (m *MemStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flat[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.flat[key]
	return v, ok, nil
}

func (m *MemStore) Close() error { return nil }

var _ Store = (*MemStore)(nil)
var _ Store = (*RedisStore)(nil)
