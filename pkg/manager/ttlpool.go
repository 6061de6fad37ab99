package manager

import (
	"sync"
	"time"

	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

// EvictFunc receives a container leaving the pool, either popped at capacity
// or expired by TTL.
type EvictFunc func(*types.Container)

// poolEntry is one active container with its TTL deadline.
type poolEntry struct {
	container *types.Container
	deadline  time.Time
}

// ttlPool is a bounded TTL map of active containers keyed by hostname.
// Insertion order is tracked so the oldest entry is popped when the pool is
// full. Eviction (capacity pop and TTL expiry alike) fires the same callback.
type ttlPool struct {
	mu       sync.Mutex
	entries  map[string]*poolEntry
	order    []string // hostnames in insertion order
	capacity int
	ttl      time.Duration
	onEvict  EvictFunc
	now      func() time.Time
}

func newTTLPool(capacity int, ttl time.Duration, onEvict EvictFunc, now func() time.Time) *ttlPool {
	if now == nil {
		now = time.Now
	}
	return &ttlPool{
		entries:  make(map[string]*poolEntry),
		capacity: capacity,
		ttl:      ttl,
		onEvict:  onEvict,
		now:      now,
	}
}

// Set inserts a container or refreshes its deadline. Inserting beyond
// capacity pops the oldest entry and fires the eviction callback for it.
func (p *ttlPool) Set(container *types.Container) {
	var evicted *types.Container

	p.mu.Lock()
	hostname := container.Hostname
	if entry, ok := p.entries[hostname]; ok {
		entry.container = container
		entry.deadline = p.now().Add(p.ttl)
		p.mu.Unlock()
		return
	}

	if p.capacity > 0 && len(p.order) >= p.capacity {
		oldest := p.order[0]
		p.order = p.order[1:]
		evicted = p.entries[oldest].container
		delete(p.entries, oldest)
	}

	p.entries[hostname] = &poolEntry{container: container, deadline: p.now().Add(p.ttl)}
	p.order = append(p.order, hostname)
	p.mu.Unlock()

	if evicted != nil && p.onEvict != nil {
		p.onEvict(evicted)
	}
}

// Get returns the container for a hostname without touching its deadline.
func (p *ttlPool) Get(hostname string) (*types.Container, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[hostname]
	if !ok {
		return nil, false
	}
	return entry.container, true
}

// Contains reports pool membership.
func (p *ttlPool) Contains(hostname string) bool {
	_, ok := p.Get(hostname)
	return ok
}

// Remove drops an entry without firing the eviction callback.
func (p *ttlPool) Remove(hostname string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[hostname]; !ok {
		return
	}
	delete(p.entries, hostname)
	for i, h := range p.order {
		if h == hostname {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Expire removes every entry whose deadline has passed, firing the eviction
// callback for each, and returns the number removed.
func (p *ttlPool) Expire() int {
	now := p.now()
	var expired []*types.Container

	p.mu.Lock()
	remaining := p.order[:0]
	for _, hostname := range p.order {
		entry := p.entries[hostname]
		if now.After(entry.deadline) {
			expired = append(expired, entry.container)
			delete(p.entries, hostname)
			continue
		}
		remaining = append(remaining, hostname)
	}
	p.order = remaining
	p.mu.Unlock()

	if p.onEvict != nil {
		for _, container := range expired {
			p.onEvict(container)
		}
	}
	return len(expired)
}

// Len returns the number of active entries.
func (p *ttlPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Reset drops all entries without firing callbacks.
func (p *ttlPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*poolEntry)
	p.order = nil
}
