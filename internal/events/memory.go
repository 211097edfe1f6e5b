package events

import (
	"sync"
	"sync/atomic"
)

// MemoryBus is an in-process bus for tests and single-node development.
// Semantics mirror RedisBus: best effort, slow subscribers drop events.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan JobEvent
	nextID  int
	dropped atomic.Uint64
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[int]chan JobEvent)}
}

// Publish fans the event out to the tenant's subscribers without blocking.
func (b *MemoryBus) Publish(tenantID string, ev JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[tenantID] {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a buffered channel for the tenant.
func (b *MemoryBus) Subscribe(tenantID string) (<-chan JobEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[tenantID] == nil {
		b.subs[tenantID] = make(map[int]chan JobEvent)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan JobEvent, 16)
	b.subs[tenantID][id] = ch

	stop := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[tenantID][id]; ok {
			delete(b.subs[tenantID], id)
			close(sub)
		}
	}
	return ch, stop, nil
}

// Dropped reports events lost to full subscriber buffers.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

// Healthy always reports true.
func (b *MemoryBus) Healthy() bool { return true }
