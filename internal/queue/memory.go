package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a non-durable in-process queue with the same visibility
// semantics as the durable backings. It exists for tests and local
// development; production deployments use the outbox or redis flavors.
type Memory struct {
	mu       sync.Mutex
	items    []memoryItem
	seq      int64
	interval time.Duration
}

type memoryItem struct {
	evt       *Event
	visibleAt time.Time
	seq       int64
}

func NewMemory() *Memory {
	return &Memory{interval: 5 * time.Millisecond}
}

func (m *Memory) Enqueue(ctx context.Context, evt *Event, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.items = append(m.items, memoryItem{
		evt:       evt,
		visibleAt: time.Now().Add(delay),
		seq:       m.seq,
	})
	return nil
}

func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				evt, ok := m.pop()
				if !ok {
					break
				}
				if err := handler(ctx, evt); err != nil {
					// Redeliver after the standard backoff, scaled down to
					// keep tests fast.
					m.Enqueue(ctx, evt, 10*time.Millisecond)
				}
			}
		}
	}
}

func (m *Memory) pop() (*Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	best := -1
	for i, item := range m.items {
		if item.visibleAt.After(now) {
			continue
		}
		if best == -1 || less(m.items[i], m.items[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil, false
	}
	evt := m.items[best].evt
	m.items = append(m.items[:best], m.items[best+1:]...)
	return evt, true
}

func less(a, b memoryItem) bool {
	if a.visibleAt.Equal(b.visibleAt) {
		return a.seq < b.seq
	}
	return a.visibleAt.Before(b.visibleAt)
}

func (m *Memory) Depth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

// Pending returns events not yet visible; test helper.
func (m *Memory) Pending() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]memoryItem(nil), m.items...)
	sort.Slice(items, func(i, j int) bool { return less(items[i], items[j]) })
	out := make([]*Event, len(items))
	for i, item := range items {
		out[i] = item.evt
	}
	return out
}

func (m *Memory) Close() error { return nil }
