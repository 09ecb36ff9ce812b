package samplepool

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("sample pool is closed")

// Config controls pool sizing and expiry behavior.
type Config struct {
	// DefaultTTL applies to samples added without an explicit TTL
	// (0 means samples never expire)
	DefaultTTL time.Duration

	// MaxPerKind caps the samples retained per kind (0 means 1000)
	MaxPerKind int

	// Eviction picks the victim when a kind's ring is full
	Eviction EvictionPolicy

	// CleanupInterval is how often expired samples are swept
	// (0 disables the background sweep)
	CleanupInterval time.Duration

	// Shards is rounded up to a power of two; defaults to 16
	Shards int
}

// DefaultConfig returns sizing that suits a single loadgen process.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxPerKind:      1000,
		Eviction:        EvictOldest,
		CleanupInterval: time.Minute,
		Shards:          16,
	}
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Total     int64
	ByKind    map[Kind]int64
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Adds      int64
	Uptime    time.Duration
}

// HitRate returns the draw hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// shard groups the rings for the kinds that hash to it.
type shard struct {
	mu    sync.RWMutex
	rings map[Kind]*ring

	hits    atomic.Int64
	misses  atomic.Int64
	adds    atomic.Int64
	expired atomic.Int64
}

// Pool is a sharded, concurrency-safe sample store. Kinds hash to
// shards so hot kinds do not serialize the whole pool.
type Pool struct {
	shards    []*shard
	shardMask uint64

	config  Config
	startAt time.Time

	evictions atomic.Int64

	cleanupTicker *time.Ticker
	cleanupDone   chan struct{}
	closed        atomic.Bool
}

// New creates a pool and, when configured, starts its cleanup sweep.
func New(config Config) *Pool {
	n := config.Shards
	if n <= 0 {
		n = 16
	}
	n = nextPowerOfTwo(n)

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{rings: make(map[Kind]*ring)}
	}

	p := &Pool{
		shards:      shards,
		shardMask:   uint64(n - 1),
		config:      config,
		startAt:     time.Now(),
		cleanupDone: make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		p.cleanupTicker = time.NewTicker(config.CleanupInterval)
		go p.cleanupLoop()
	}

	return p
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	return n + 1
}

func (p *Pool) shardFor(kind Kind) *shard {
	h := fnv.New64a()
	h.Write([]byte(kind))
	return p.shards[h.Sum64()&p.shardMask]
}

// Add stores a sample, returning how many samples were evicted to make
// room.
func (p *Pool) Add(s *Sample) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	sh := p.shardFor(s.Kind)

	sh.mu.Lock()
	r, ok := sh.rings[s.Kind]
	if !ok {
		max := p.config.MaxPerKind
		if max <= 0 {
			max = 1000
		}
		r = newRing(max, p.config.Eviction)
		sh.rings[s.Kind] = r
	}
	evicted := r.Add(s)
	sh.adds.Add(1)
	sh.mu.Unlock()

	if evicted > 0 {
		p.evictions.Add(int64(evicted))
	}
	return evicted, nil
}

// Draw returns the oldest live sample of the kind, or nil when none is
// available.
func (p *Pool) Draw(kind Kind) (*Sample, error) {
	return p.draw(kind, func(r *ring) *Sample { return r.Next() })
}

// DrawRandom returns a uniformly drawn live sample of the kind, or nil
// when none is available.
func (p *Pool) DrawRandom(kind Kind) (*Sample, error) {
	return p.draw(kind, func(r *ring) *Sample { return r.Random() })
}

func (p *Pool) draw(kind Kind, pick func(*ring) *Sample) (*Sample, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	sh := p.shardFor(kind)

	sh.mu.RLock()
	r, ok := sh.rings[kind]
	sh.mu.RUnlock()

	if !ok {
		sh.misses.Add(1)
		return nil, nil
	}

	s := pick(r)
	if s == nil || s.Expired() {
		sh.misses.Add(1)
		return nil, nil
	}

	sh.hits.Add(1)
	return s, nil
}

// All returns every live sample of the kind.
func (p *Pool) All(kind Kind) ([]*Sample, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	sh := p.shardFor(kind)

	sh.mu.RLock()
	r, ok := sh.rings[kind]
	sh.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	samples := r.All()
	out := make([]*Sample, 0, len(samples))
	for _, s := range samples {
		if !s.Expired() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Count returns how many samples of the kind are pooled.
func (p *Pool) Count(kind Kind) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	sh := p.shardFor(kind)

	sh.mu.RLock()
	r, ok := sh.rings[kind]
	sh.mu.RUnlock()

	if !ok {
		return 0, nil
	}
	return r.Count(), nil
}

// Remove drops a specific sample. Returns true when it was present.
func (p *Pool) Remove(s *Sample) (bool, error) {
	if p.closed.Load() {
		return false, ErrClosed
	}

	sh := p.shardFor(s.Kind)

	sh.mu.Lock()
	r, ok := sh.rings[s.Kind]
	if !ok {
		sh.mu.Unlock()
		return false, nil
	}
	removed := r.Remove(s)
	sh.mu.Unlock()

	return removed, nil
}

// Clear drops every sample of the kind and returns the count removed.
func (p *Pool) Clear(kind Kind) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	sh := p.shardFor(kind)

	sh.mu.Lock()
	r, ok := sh.rings[kind]
	if !ok {
		sh.mu.Unlock()
		return 0, nil
	}
	cleared := r.Clear()
	delete(sh.rings, kind)
	sh.mu.Unlock()

	return cleared, nil
}

// Sweep removes expired samples across all kinds and returns the count.
func (p *Pool) Sweep() (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	total := 0
	for _, sh := range p.shards {
		sh.mu.Lock()
		for _, r := range sh.rings {
			removed := r.DropExpired()
			total += removed
			sh.expired.Add(int64(removed))
		}
		sh.mu.Unlock()
	}
	return total, nil
}

func (p *Pool) cleanupLoop() {
	for {
		select {
		case <-p.cleanupTicker.C:
			_, _ = p.Sweep()
		case <-p.cleanupDone:
			return
		}
	}
}

// Stats aggregates counters across shards.
func (p *Pool) Stats() (Stats, error) {
	if p.closed.Load() {
		return Stats{}, ErrClosed
	}

	stats := Stats{
		ByKind:    make(map[Kind]int64),
		Evictions: p.evictions.Load(),
		Uptime:    time.Since(p.startAt),
	}

	for _, sh := range p.shards {
		sh.mu.RLock()
		stats.Hits += sh.hits.Load()
		stats.Misses += sh.misses.Load()
		stats.Adds += sh.adds.Load()
		stats.Expired += sh.expired.Load()
		for kind, r := range sh.rings {
			n := int64(r.Count())
			stats.Total += n
			stats.ByKind[kind] += n
		}
		sh.mu.RUnlock()
	}

	return stats, nil
}

// Kinds lists every kind with at least one pooled sample.
func (p *Pool) Kinds() ([]Kind, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	kinds := make([]Kind, 0)
	for _, sh := range p.shards {
		sh.mu.RLock()
		for kind, r := range sh.rings {
			if r.Count() > 0 {
				kinds = append(kinds, kind)
			}
		}
		sh.mu.RUnlock()
	}
	return kinds, nil
}

// Close stops the cleanup sweep. Subsequent operations return ErrClosed.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	if p.cleanupTicker != nil {
		p.cleanupTicker.Stop()
		close(p.cleanupDone)
	}
	return nil
}
