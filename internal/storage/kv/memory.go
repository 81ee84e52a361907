package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store. Expiry is evaluated lazily against the
// injected clock, so tests can move time forward deterministically.
type Memory struct {
	mu     sync.Mutex
	now    func() time.Time
	values map[string]memEntry
	lists  map[string][]string
	zsets  map[string]map[string]float64
}

// MemoryOption configures a Memory store
type MemoryOption func(*Memory)

// WithClock sets the time source used for expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:    time.Now,
		values: make(map[string]memEntry),
		lists:  make(map[string][]string),
		zsets:  make(map[string]map[string]float64),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// lookup returns the live entry for key, dropping it if expired. Caller holds mu.
func (m *Memory) lookup(key string) (memEntry, bool) {
	e, ok := m.values[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) put(key string, value []byte, ttl time.Duration) {
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = e
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return nil, ErrNil
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(key, value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	m.put(key, value, ttl)
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || !bytes.Equal(e.value, expected) {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func (m *Memory) PushTrim(_ context.Context, key string, value string, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append([]string{value}, m.lists[key]...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	m.lists[key] = list
	return nil
}

func (m *Memory) Range(_ context.Context, key string, n int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.lists[key]
	if n > 0 && len(list) > n {
		list = list[:n]
	}
	return append([]string(nil), list...), nil
}

func (m *Memory) ZAdd(_ context.Context, key string, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.zsets[key]
	if !ok {
		set = make(map[string]float64)
		m.zsets[key] = set
	}
	set[member] = score
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type scored struct {
		member string
		score  float64
	}
	var hits []scored
	for member, score := range m.zsets[key] {
		if score <= max {
			hits = append(hits, scored{member, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score == hits[j].score {
			return hits[i].member < hits[j].member
		}
		return hits[i].score < hits[j].score
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, key string, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.zsets[key], member)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
