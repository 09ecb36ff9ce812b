package cache

import (
	"context"
	"sync"
	"time"

	"github.com/briefly/metering/internal/domain/ratelimit"
)

// fixedCounter is a window counter with its expiry
type fixedCounter struct {
	count     int64
	expiresAt time.Time
}

// slidingWindow holds the admission timestamps for one rolling window
type slidingWindow struct {
	entries []time.Time
	window  time.Duration
}

// MemoryCounterStore implements CounterStore with mutex-guarded maps.
// It mirrors the Redis store's semantics for tests and single-process
// development, but the state is local to one process: running multiple
// instances against it would give each instance its own budget, so it
// must not back a multi-instance deployment.
type MemoryCounterStore struct {
	mu        sync.Mutex
	fixed     map[string]*fixedCounter
	sliding   map[string]*slidingWindow
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	now       func() time.Time
}

// NewMemoryCounterStore creates an in-memory counter store and starts a
// background goroutine that drops fully aged windows
func NewMemoryCounterStore() *MemoryCounterStore {
	store := &MemoryCounterStore{
		fixed:    make(map[string]*fixedCounter),
		sliding:  make(map[string]*slidingWindow),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	store.wg.Add(1)
	go store.cleanupLoop()

	return store
}

// WithClock replaces the store's clock for tests
func (s *MemoryCounterStore) WithClock(now func() time.Time) *MemoryCounterStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// IncrementWindow atomically increments the counter at key. The expiry
// is fixed when the increment creates the key; an expired counter is
// replaced rather than resumed.
func (s *MemoryCounterStore) IncrementWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	counter, exists := s.fixed[key]
	if !exists || now.After(counter.expiresAt) {
		counter = &fixedCounter{expiresAt: now.Add(ttl)}
		s.fixed[key] = counter
	}

	counter.count++
	return counter.count, nil
}

// SlidingAdmit atomically prunes, counts, and conditionally appends an
// entry to the rolling window at key
func (s *MemoryCounterStore) SlidingAdmit(ctx context.Context, key string, window time.Duration, limit int64, now time.Time) (int64, bool, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, exists := s.sliding[key]
	if !exists {
		state = &slidingWindow{}
		s.sliding[key] = state
	}
	state.window = window

	cutoff := now.Add(-window)
	kept := state.entries[:0]
	for _, ts := range state.entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	admitted := int64(len(kept)) < limit
	if admitted {
		kept = append(kept, now)
	}
	state.entries = kept

	var oldest time.Time
	if len(kept) > 0 {
		oldest = kept[0]
	}

	return int64(len(kept)), admitted, oldest, nil
}

// Get returns the current count at key. Expired fixed counters read as
// zero; sliding windows report their unpruned size, matching the Redis
// store's read path.
func (s *MemoryCounterStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if counter, exists := s.fixed[key]; exists {
		if s.now().After(counter.expiresAt) {
			return 0, nil
		}
		return counter.count, nil
	}
	if state, exists := s.sliding[key]; exists {
		return int64(len(state.entries)), nil
	}
	return 0, nil
}

// Remove deletes all counter state for the key
func (s *MemoryCounterStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fixed, key)
	delete(s.sliding, key)
	return nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (s *MemoryCounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
	})
	return nil
}

// Size returns the number of tracked keys (for testing/monitoring)
func (s *MemoryCounterStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fixed) + len(s.sliding)
}

// cleanupLoop periodically drops counters whose windows have fully aged
func (s *MemoryCounterStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired fixed counters and empty sliding windows
func (s *MemoryCounterStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, counter := range s.fixed {
		if now.After(counter.expiresAt) {
			delete(s.fixed, key)
		}
	}
	for key, state := range s.sliding {
		cutoff := now.Add(-state.window)
		live := 0
		for _, ts := range state.entries {
			if ts.After(cutoff) {
				live++
			}
		}
		if live == 0 {
			delete(s.sliding, key)
		}
	}
}

// Ensure MemoryCounterStore implements CounterStore
var _ ratelimit.CounterStore = (*MemoryCounterStore)(nil)
