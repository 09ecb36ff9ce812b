package samplepool

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// EvictionPolicy decides which sample is dropped when a ring is full.
type EvictionPolicy int

const (
	EvictOldest EvictionPolicy = iota // FIFO
	EvictLRU
	EvictRandom
)

func (e EvictionPolicy) String() string {
	switch e {
	case EvictOldest:
		return "oldest"
	case EvictLRU:
		return "lru"
	case EvictRandom:
		return "random"
	default:
		return "unknown"
	}
}

// ParseEvictionPolicy maps a flag value to a policy, defaulting to FIFO.
func ParseEvictionPolicy(s string) EvictionPolicy {
	switch s {
	case "lru", "LRU":
		return EvictLRU
	case "random", "RANDOM":
		return EvictRandom
	default:
		return EvictOldest
	}
}

// ring is a fixed-capacity circular buffer of samples. When full, Add
// drops one sample according to the eviction policy.
type ring struct {
	mu       sync.RWMutex
	items    []*Sample
	head     int // next write slot
	tail     int // oldest slot
	count    int
	capacity int

	policy  EvictionPolicy
	evicted atomic.Int64

	// slot indices ordered from least to most recently drawn, only
	// maintained under EvictLRU
	accessOrder []int

	rng *rand.Rand
}

func newRing(capacity int, policy EvictionPolicy) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{
		items:       make([]*Sample, capacity),
		capacity:    capacity,
		policy:      policy,
		accessOrder: make([]int, 0, capacity),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Add stores a sample, evicting one if the ring is full. Returns the
// number of samples evicted.
func (r *ring) Add(s *Sample) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	if r.count >= r.capacity {
		evicted = r.evictOne()
	}

	r.items[r.head] = s
	if r.policy == EvictLRU {
		r.accessOrder = append(r.accessOrder, r.head)
	}
	r.head = (r.head + 1) % r.capacity
	r.count++

	return evicted
}

// evictOne drops a single sample per the policy. Caller holds the lock.
func (r *ring) evictOne() int {
	if r.count == 0 {
		return 0
	}

	var idx int
	switch r.policy {
	case EvictOldest:
		idx = r.tail
		r.tail = (r.tail + 1) % r.capacity
	case EvictLRU:
		if len(r.accessOrder) > 0 {
			idx = r.accessOrder[0]
			r.accessOrder = r.accessOrder[1:]
			if idx == r.tail {
				r.tail = (r.tail + 1) % r.capacity
			}
		} else {
			idx = r.tail
			r.tail = (r.tail + 1) % r.capacity
		}
	case EvictRandom:
		idx = r.randomOccupied()
		if idx == r.tail {
			r.tail = (r.tail + 1) % r.capacity
		}
	}

	r.items[idx] = nil
	r.count--
	r.evicted.Add(1)
	return 1
}

// randomOccupied returns a random occupied slot. Caller holds the lock
// and guarantees count > 0.
func (r *ring) randomOccupied() int {
	start := (r.tail + r.rng.Intn(r.count)) % r.capacity
	for i := 0; i < r.capacity; i++ {
		idx := (start + i) % r.capacity
		if r.items[idx] != nil {
			return idx
		}
	}
	return r.tail
}

// Next returns the oldest sample without removing it, or nil when empty.
func (r *ring) Next() *Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	for i := 0; i < r.capacity; i++ {
		idx := (r.tail + i) % r.capacity
		if r.items[idx] != nil {
			s := r.items[idx]
			s.Touch()
			r.markAccessed(idx)
			return s
		}
	}
	return nil
}

// Random returns a uniformly drawn sample without removing it, or nil
// when empty.
func (r *ring) Random() *Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	start := r.rng.Intn(r.capacity)
	for i := 0; i < r.capacity; i++ {
		idx := (start + i) % r.capacity
		if r.items[idx] != nil {
			s := r.items[idx]
			s.Touch()
			r.markAccessed(idx)
			return s
		}
	}
	return nil
}

// markAccessed moves a slot to the most-recently-used end. Caller holds
// the lock.
func (r *ring) markAccessed(idx int) {
	if r.policy != EvictLRU {
		return
	}
	for i, a := range r.accessOrder {
		if a == idx {
			r.accessOrder = append(r.accessOrder[:i], r.accessOrder[i+1:]...)
			break
		}
	}
	r.accessOrder = append(r.accessOrder, idx)
}

// All returns every sample currently in the ring.
func (r *ring) All() []*Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Sample, 0, r.count)
	for _, s := range r.items {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (r *ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *ring) Evicted() int64 {
	return r.evicted.Load()
}

// Remove drops a specific sample. Returns true when it was present.
func (r *ring) Remove(s *Sample) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, item := range r.items {
		if item == s {
			r.items[i] = nil
			r.count--
			r.dropFromAccessOrder(i)
			return true
		}
	}
	return false
}

// Clear empties the ring and returns how many samples were dropped.
func (r *ring) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.count
	for i := range r.items {
		r.items[i] = nil
	}
	r.head, r.tail, r.count = 0, 0, 0
	r.accessOrder = r.accessOrder[:0]
	return removed
}

// DropExpired removes every sample past its TTL and returns the count.
func (r *ring) DropExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for i, s := range r.items {
		if s != nil && s.Expired() {
			r.items[i] = nil
			r.count--
			removed++
			r.dropFromAccessOrder(i)
		}
	}
	return removed
}

// dropFromAccessOrder forgets a slot's LRU position. Caller holds the lock.
func (r *ring) dropFromAccessOrder(idx int) {
	if r.policy != EvictLRU {
		return
	}
	for i, a := range r.accessOrder {
		if a == idx {
			r.accessOrder = append(r.accessOrder[:i], r.accessOrder[i+1:]...)
			return
		}
	}
}
