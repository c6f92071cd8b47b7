package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fotonphotos/candlepipe/internal/candle"
)

// MemoryStore is an in-process Store used by tests; the candlepipe
// binary always uses PostgresStore. It upholds the same
// idempotent-upsert and ordering contract as PostgresStore.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[candle.Key]map[int64]candle.Candle // key -> openTimeUnixNano -> candle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[candle.Key]map[int64]candle.Candle)}
}

func (m *MemoryStore) Save(_ context.Context, c candle.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[c.Key] == nil {
		m.rows[c.Key] = make(map[int64]candle.Candle)
	}
	m.rows[c.Key][c.OpenTime.UnixNano()] = c
	return nil
}

func (m *MemoryStore) FindByOpenTime(_ context.Context, key candle.Key, openTime time.Time) (candle.Candle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rows[key][openTime.UnixNano()]
	return c, ok, nil
}

func (m *MemoryStore) sorted(key candle.Key) []candle.Candle {
	rows := m.rows[key]
	out := make([]candle.Candle, 0, len(rows))
	for _, c := range rows {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out
}

func (m *MemoryStore) Latest(_ context.Context, key candle.Key, n int) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asc := m.sorted(key)
	if n > len(asc) || n <= 0 {
		n = len(asc)
	}
	tail := asc[len(asc)-n:]
	out := make([]candle.Candle, len(tail))
	for i, c := range tail {
		out[len(tail)-1-i] = c
	}
	return out, nil
}

func (m *MemoryStore) Earliest(_ context.Context, key candle.Key, n int) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asc := m.sorted(key)
	if n > len(asc) || n <= 0 {
		n = len(asc)
	}
	return asc[:n], nil
}

func (m *MemoryStore) FindRange(_ context.Context, key candle.Key, start, end time.Time, limit int) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	asc := m.sorted(key)
	out := make([]candle.Candle, 0, len(asc))
	for _, c := range asc {
		if !c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) Count(_ context.Context, key candle.Key) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows[key])), nil
}

func (m *MemoryStore) HealthCheck(context.Context) bool {
	return true
}
