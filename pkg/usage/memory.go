package usage

import (
	"context"
	"sync"
)

type memoryKey struct {
	day  string
	user string
}

// MemoryCounter keeps counters in process memory. Counts are lost on restart.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[memoryKey]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[memoryKey]int64)}
}

func (m *MemoryCounter) Current(_ context.Context, day, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[memoryKey{day: day, user: userID}], nil
}

func (m *MemoryCounter) IncrementIfBelow(_ context.Context, day, userID string, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey{day: day, user: userID}
	cur := m.counts[k]
	if cur >= limit {
		return cur, false, nil
	}
	cur++
	m.counts[k] = cur
	return cur, true, nil
}

func (m *MemoryCounter) PruneBefore(_ context.Context, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.counts {
		if k.day < day {
			delete(m.counts, k)
		}
	}
	return nil
}
