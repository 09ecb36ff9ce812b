// Command loadgen drives synthetic traffic against a running metering
// service. It hammers the usage recording endpoint at a target rate,
// replays a fraction of idempotency keys to exercise deduplication, and
// reports how the quota and rate limit layers responded.
//
// Usage:
//
//	loadgen -base-url http://localhost:8080 -token $JWT -rps 200 -duration 60s
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/briefly/metering/tools/loadgen/internal/samplepool"
)

var actions = []string{"message", "upload", "api_call", "search", "embedding", "export"}

type options struct {
	baseURL        string
	token          string
	rps            int
	duration       time.Duration
	workers        int
	duplicateRatio float64
	eviction       string
}

type counters struct {
	sent        atomic.Int64
	accepted    atomic.Int64
	duplicates  atomic.Int64 // 409: idempotency replay detected
	quotaDenied atomic.Int64 // 402: quota exhausted
	rateLimited atomic.Int64 // 429: rate limiter pushed back
	otherErrors atomic.Int64
	transport   atomic.Int64
}

type recordEventRequest struct {
	Action         string `json:"action"`
	Quantity       *int64 `json:"quantity,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func main() {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := samplepool.DefaultConfig()
	cfg.Eviction = samplepool.ParseEvictionPolicy(opts.eviction)
	pool := samplepool.New(cfg)
	defer pool.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	var (
		stats     counters
		latencies = newLatencyRecorder(opts.rps * int(opts.duration.Seconds()+1))
	)

	ticker := time.NewTicker(time.Second / time.Duration(opts.rps))
	defer ticker.Stop()
	deadline := time.After(opts.duration)

	jobs := make(chan struct{}, opts.workers)
	var wg sync.WaitGroup
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				fireOne(ctx, client, opts, pool, &stats, latencies)
			}
		}()
	}

	fmt.Printf("loadgen: %d rps for %s against %s (%d workers, %.0f%% key replay)\n",
		opts.rps, opts.duration, opts.baseURL, opts.workers, opts.duplicateRatio*100)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-ticker.C:
			select {
			case jobs <- struct{}{}:
			default:
				// all workers busy; the tick is dropped rather than queued
			}
		}
	}
	close(jobs)
	wg.Wait()

	report(&stats, latencies, pool)
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.baseURL, "base-url", "http://localhost:8080", "metering service base URL")
	flag.StringVar(&opts.token, "token", "", "bearer token with usage:write scope")
	flag.IntVar(&opts.rps, "rps", 50, "target requests per second")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "how long to run")
	flag.IntVar(&opts.workers, "workers", 16, "concurrent request workers")
	flag.Float64Var(&opts.duplicateRatio, "replay", 0.1, "fraction of requests that replay a pooled idempotency key")
	flag.StringVar(&opts.eviction, "eviction", "oldest", "sample pool eviction policy (oldest, lru, random)")
	flag.Parse()

	if opts.token == "" {
		fmt.Fprintln(os.Stderr, "loadgen: -token is required")
		os.Exit(2)
	}
	if opts.rps <= 0 || opts.workers <= 0 {
		fmt.Fprintln(os.Stderr, "loadgen: -rps and -workers must be positive")
		os.Exit(2)
	}
	return opts
}

func fireOne(ctx context.Context, client *http.Client, opts options, pool *samplepool.Pool, stats *counters, lat *latencyRecorder) {
	req := recordEventRequest{
		Action: actions[rand.Intn(len(actions))],
	}
	if rand.Float64() < 0.5 {
		q := int64(rand.Intn(5) + 1)
		req.Quantity = &q
	}

	// Either replay a pooled key (to exercise dedup) or mint a new one
	replayed := false
	if rand.Float64() < opts.duplicateRatio {
		if s, _ := pool.DrawRandom(samplepool.KindIdempotencyKey); s != nil {
			req.IdempotencyKey = s.Value
			replayed = true
		}
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = fmt.Sprintf("loadgen-%d-%d", time.Now().UnixNano(), rand.Int63())
	}

	body, err := json.Marshal(req)
	if err != nil {
		stats.transport.Add(1)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		opts.baseURL+"/api/v1/usage/events", bytes.NewReader(body))
	if err != nil {
		stats.transport.Add(1)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+opts.token)

	start := time.Now()
	resp, err := client.Do(httpReq)
	elapsed := time.Since(start)

	stats.sent.Add(1)
	if err != nil {
		stats.transport.Add(1)
		return
	}
	defer resp.Body.Close()
	lat.record(elapsed)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusAccepted:
		stats.accepted.Add(1)
		if !replayed {
			pool.Add(samplepool.NewSample(req.IdempotencyKey, samplepool.KindIdempotencyKey, 0).
				WithSource("POST /api/v1/usage/events"))
		}
	case http.StatusConflict:
		stats.duplicates.Add(1)
	case http.StatusPaymentRequired:
		stats.quotaDenied.Add(1)
	case http.StatusTooManyRequests:
		stats.rateLimited.Add(1)
	default:
		stats.otherErrors.Add(1)
	}
}

func report(stats *counters, lat *latencyRecorder, pool *samplepool.Pool) {
	fmt.Println("\n--- results ---")
	fmt.Printf("sent:         %d\n", stats.sent.Load())
	fmt.Printf("accepted:     %d\n", stats.accepted.Load())
	fmt.Printf("duplicates:   %d (409)\n", stats.duplicates.Load())
	fmt.Printf("quota denied: %d (402)\n", stats.quotaDenied.Load())
	fmt.Printf("rate limited: %d (429)\n", stats.rateLimited.Load())
	fmt.Printf("other errors: %d\n", stats.otherErrors.Load())
	fmt.Printf("transport:    %d\n", stats.transport.Load())

	if p50, p95, p99, ok := lat.percentiles(); ok {
		fmt.Printf("latency:      p50=%s p95=%s p99=%s\n", p50, p95, p99)
	}

	if ps, err := pool.Stats(); err == nil {
		fmt.Printf("key pool:     %d pooled, %.1f%% replay hit rate\n", ps.Total, ps.HitRate())
	}
}

// latencyRecorder keeps raw samples for percentile reporting.
type latencyRecorder struct {
	mu      sync.Mutex
	samples []time.Duration
}

func newLatencyRecorder(capacity int) *latencyRecorder {
	if capacity < 1024 {
		capacity = 1024
	}
	return &latencyRecorder{samples: make([]time.Duration, 0, capacity)}
}

func (l *latencyRecorder) record(d time.Duration) {
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencyRecorder) percentiles() (p50, p95, p99 time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.samples) == 0 {
		return 0, 0, 0, false
	}
	sorted := make([]time.Duration, len(l.samples))
	copy(sorted, l.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(p float64) time.Duration {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return at(0.50), at(0.95), at(0.99), true
}
