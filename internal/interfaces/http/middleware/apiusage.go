package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// APIUsageConfig holds configuration for API usage metering.
type APIUsageConfig struct {
	// Enabled controls whether API call metering is active.
	Enabled bool
	// BufferSize is the size of the async write buffer.
	BufferSize int
	// BatchSize is the number of events to batch before writing.
	BatchSize int
	// FlushInterval is the maximum time to wait before flushing the buffer.
	FlushInterval time.Duration
	// MeterProvider is the OpenTelemetry meter provider for metrics.
	MeterProvider *telemetry.MeterProvider
	// Logger for middleware logging.
	Logger *zap.Logger
	// SkipPaths are paths whose requests should not be metered.
	SkipPaths []string
}

// DefaultAPIUsageConfig returns default API usage metering configuration.
func DefaultAPIUsageConfig() APIUsageConfig {
	return APIUsageConfig{
		Enabled:       true,
		BufferSize:    10000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		SkipPaths: []string{
			"/health",
			"/healthz",
			"/ready",
			"/metrics",
			"/api/v1/health",
			"/api/v1/webhooks/billing",
			"/swagger",
		},
	}
}

// APIUsageTracker collects api_call usage events off the request path and
// writes them to the ledger in batches. Losing an event under pressure is
// acceptable for this action kind; blocking a request is not.
type APIUsageTracker struct {
	config  APIUsageConfig
	events  metering.UsageEventRepository
	buffer  chan *metering.UsageEvent
	logger  *zap.Logger
	metrics *apiUsageMetrics
	wg      sync.WaitGroup
	stopCh  chan struct{}
	mu      sync.RWMutex
	running bool
}

// apiUsageMetrics holds OpenTelemetry metrics for API usage metering.
type apiUsageMetrics struct {
	apiCallsTotal     *telemetry.Counter
	actionCompletions *telemetry.Counter
	bufferSize        metric.Int64Gauge
	batchWriteLatency *telemetry.Histogram
	batchWriteErrors  *telemetry.Counter
	recordsWritten    *telemetry.Counter
	recordsDropped    *telemetry.Counter
	trackingOverhead  *telemetry.Histogram
}

// newAPIUsageMetrics creates OpenTelemetry metrics for API usage metering.
func newAPIUsageMetrics(meter metric.Meter) (*apiUsageMetrics, error) {
	apiCallsTotal, err := telemetry.NewCounter(
		meter,
		"usage_api_calls_total",
		"Total number of API calls metered",
		"{call}",
	)
	if err != nil {
		return nil, err
	}

	actionCompletions, err := telemetry.NewCounter(
		meter,
		"usage_action_completions_total",
		"Total number of completed metered actions recorded by middleware",
		"{action}",
	)
	if err != nil {
		return nil, err
	}

	bufferSize, err := meter.Int64Gauge(
		"usage_buffer_size",
		metric.WithDescription("Current size of the usage event buffer"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	batchWriteLatency, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "usage_batch_write_duration_seconds",
		Description: "Latency of batch writes to the usage_events table",
		Unit:        "s",
		Boundaries:  telemetry.DBDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	batchWriteErrors, err := telemetry.NewCounter(
		meter,
		"usage_batch_write_errors_total",
		"Total number of batch write errors",
		"{error}",
	)
	if err != nil {
		return nil, err
	}

	recordsWritten, err := telemetry.NewCounter(
		meter,
		"usage_records_written_total",
		"Total number of usage events written to the ledger",
		"{record}",
	)
	if err != nil {
		return nil, err
	}

	recordsDropped, err := telemetry.NewCounter(
		meter,
		"usage_records_dropped_total",
		"Total number of usage events dropped due to buffer overflow",
		"{record}",
	)
	if err != nil {
		return nil, err
	}

	trackingOverhead, err := telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "usage_tracking_overhead_seconds",
		Description: "Overhead added to request processing by usage metering",
		Unit:        "s",
		Boundaries:  telemetry.SmallDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	return &apiUsageMetrics{
		apiCallsTotal:     apiCallsTotal,
		actionCompletions: actionCompletions,
		bufferSize:        bufferSize,
		batchWriteLatency: batchWriteLatency,
		batchWriteErrors:  batchWriteErrors,
		recordsWritten:    recordsWritten,
		recordsDropped:    recordsDropped,
		trackingOverhead:  trackingOverhead,
	}, nil
}

// NewAPIUsageTracker creates a new API usage tracker with the given configuration.
func NewAPIUsageTracker(cfg APIUsageConfig, events metering.UsageEventRepository) (*APIUsageTracker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	tracker := &APIUsageTracker{
		config: cfg,
		events: events,
		buffer: make(chan *metering.UsageEvent, cfg.BufferSize),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	// Initialize metrics if meter provider is available
	if cfg.MeterProvider != nil && cfg.MeterProvider.IsEnabled() {
		meter := cfg.MeterProvider.Meter("usage.apitracker")
		metrics, err := newAPIUsageMetrics(meter)
		if err != nil {
			logger.Warn("Failed to create API usage metrics, continuing without metrics", zap.Error(err))
		} else {
			tracker.metrics = metrics
		}
	}

	return tracker, nil
}

// Start begins the background batch writer goroutine.
func (t *APIUsageTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	t.running = true
	t.wg.Add(1)
	go t.batchWriter()

	t.logger.Info("API usage tracker started",
		zap.Int("buffer_size", t.config.BufferSize),
		zap.Int("batch_size", t.config.BatchSize),
		zap.Duration("flush_interval", t.config.FlushInterval),
	)
}

// Stop gracefully stops the tracker, flushing remaining events.
func (t *APIUsageTracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.logger.Info("Stopping API usage tracker...")

	// Signal the batch writer to stop
	close(t.stopCh)

	// Wait for the batch writer to finish with timeout
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.logger.Info("API usage tracker stopped gracefully")
		return nil
	case <-ctx.Done():
		t.logger.Warn("API usage tracker stop timed out")
		return ctx.Err()
	}
}

// batchWriter is the background goroutine that batches and writes usage events.
func (t *APIUsageTracker) batchWriter() {
	defer t.wg.Done()

	batch := make([]*metering.UsageEvent, 0, t.config.BatchSize)
	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		start := time.Now()
		err := t.events.InsertBatch(ctx, batch)
		duration := time.Since(start)

		if t.metrics != nil {
			t.metrics.batchWriteLatency.RecordDuration(ctx, duration)
		}

		if err != nil {
			t.logger.Error("Failed to write usage event batch",
				zap.Int("batch_size", len(batch)),
				zap.Error(err),
			)
			if t.metrics != nil {
				t.metrics.batchWriteErrors.Inc(ctx)
			}
		} else {
			t.logger.Debug("Wrote usage event batch",
				zap.Int("batch_size", len(batch)),
				zap.Duration("duration", duration),
			)
			if t.metrics != nil {
				t.metrics.recordsWritten.Add(ctx, int64(len(batch)))
			}
		}

		// Clear the batch
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-t.buffer:
			if !ok {
				// Channel closed, flush remaining and exit
				flush()
				return
			}

			batch = append(batch, event)

			// Flush if batch is full
			if len(batch) >= t.config.BatchSize {
				flush()
			}

		case <-ticker.C:
			// Periodic flush
			flush()

			// Update buffer size metric
			if t.metrics != nil {
				t.metrics.bufferSize.Record(context.Background(), int64(len(t.buffer)))
			}

		case <-t.stopCh:
			// Drain remaining events from buffer
			for {
				select {
				case event := <-t.buffer:
					batch = append(batch, event)
					if len(batch) >= t.config.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Enqueue adds a usage event to the buffer for async writing.
// Returns true if the event was added, false if the buffer is full.
func (t *APIUsageTracker) Enqueue(event *metering.UsageEvent) bool {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()

	if !running || !t.config.Enabled {
		return false
	}

	select {
	case t.buffer <- event:
		return true
	default:
		// Buffer is full, drop the event
		if t.metrics != nil {
			t.metrics.recordsDropped.Inc(context.Background())
		}
		t.logger.Warn("Usage buffer full, dropping event",
			zap.String("action", event.Action.String()),
			zap.String("tenant_id", event.TenantID.String()),
		)
		return false
	}
}

// TrackAPIUsage returns a Gin middleware that meters one api_call unit per
// authenticated request. It must run after the JWT and tenant middleware so
// the tenant identity is available; requests without tenant context pass
// through unmetered.
func TrackAPIUsage(tracker *APIUsageTracker) gin.HandlerFunc {
	if tracker == nil || !tracker.config.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		// Check if path should be skipped
		path := c.Request.URL.Path
		for _, skipPath := range tracker.config.SkipPaths {
			if path == skipPath || strings.HasPrefix(path, skipPath+"/") {
				c.Next()
				return
			}
		}

		start := time.Now()

		// Process request first
		c.Next()

		// Meter usage asynchronously after the request completes
		trackingStart := time.Now()

		tenantIDStr := GetTenantID(c)
		if tenantIDStr == "" {
			// No tenant context, skip metering
			return
		}

		tenantID, err := uuid.Parse(tenantIDStr)
		if err != nil {
			return
		}

		route := getRoutePattern(c)
		event := metering.NewAPICallEvent(tenantID, route, requestUserID(c), c.ClientIP(), c.Request.UserAgent())
		event.WithMetadata("method", c.Request.Method)
		event.WithMetadata("status_code", c.Writer.Status())
		event.WithMetadata("response_time_ms", time.Since(start).Milliseconds())

		tracker.Enqueue(event)

		// Record metering overhead
		if tracker.metrics != nil {
			overhead := time.Since(trackingStart)
			tracker.metrics.trackingOverhead.RecordDuration(c.Request.Context(), overhead)
			tracker.metrics.apiCallsTotal.Inc(c.Request.Context(),
				telemetry.AttrHTTPMethod.String(c.Request.Method),
				telemetry.AttrHTTPRoute.String(route),
				telemetry.AttrTenantID.String(tenantIDStr),
			)
		}
	}
}

// ActionResult holds what a handler actually consumed, for completion
// metering. Handlers set it after the operation succeeds; quantities known
// only at completion time (bytes exported, rows downloaded) go here.
type ActionResult struct {
	ResourceType string
	ResourceID   string
	Quantity     int64
	Metadata     map[string]any
}

// ActionResultKey is the key for storing the action result in context.
const ActionResultKey = "action_result"

// SetActionResult is a helper for handlers to report the completed action
// for metering.
func SetActionResult(c *gin.Context, result *ActionResult) {
	c.Set(ActionResultKey, result)
}

// TrackActionOnSuccess returns a Gin middleware that records one usage event
// for the given action after the handler completes with a 2xx status. It is
// meant for routes where the consumed quantity is only known at completion
// time; the handler reports it via SetActionResult.
func TrackActionOnSuccess(tracker *APIUsageTracker, action metering.ActionKind) gin.HandlerFunc {
	if tracker == nil || !tracker.config.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		// Process request first
		c.Next()

		// Only meter successful completions (2xx status codes)
		if c.Writer.Status() < 200 || c.Writer.Status() >= 300 {
			return
		}

		tenantIDStr := GetTenantID(c)
		if tenantIDStr == "" {
			return
		}

		tenantID, err := uuid.Parse(tenantIDStr)
		if err != nil {
			return
		}

		var resourceType, resourceID string
		var quantity int64 = 1
		var metadata map[string]any

		if value, exists := c.Get(ActionResultKey); exists {
			if result, ok := value.(*ActionResult); ok {
				resourceType = result.ResourceType
				resourceID = result.ResourceID
				if result.Quantity > 0 {
					quantity = result.Quantity
				}
				metadata = result.Metadata
			}
		}

		event := metering.NewUsageEvent(tenantID, action, quantity)
		event.WithResource(resourceType, resourceID)
		event.WithRequestInfo(c.ClientIP(), c.Request.UserAgent())
		for k, v := range metadata {
			event.WithMetadata(k, v)
		}
		if userID := requestUserID(c); userID != nil {
			event.WithUser(*userID)
		}

		tracker.Enqueue(event)

		if tracker.metrics != nil {
			tracker.metrics.actionCompletions.Inc(c.Request.Context(),
				attribute.String("action", action.String()),
				telemetry.AttrTenantID.String(tenantIDStr),
			)
		}
	}
}

// requestUserID extracts the authenticated user ID from context, nil when
// the request carries a service token.
func requestUserID(c *gin.Context) *uuid.UUID {
	if value, exists := c.Get(JWTUserIDKey); exists {
		if raw, ok := value.(string); ok && raw != "" {
			if userID, err := uuid.Parse(raw); err == nil {
				return &userID
			}
		}
	}
	return nil
}

// APIUsageStats returns current statistics about the API usage tracker.
type APIUsageStats struct {
	BufferSize     int
	BufferCapacity int
	BufferUsage    float64
	Running        bool
}

// Stats returns current statistics about the API usage tracker.
func (t *APIUsageTracker) Stats() APIUsageStats {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()

	bufferLen := len(t.buffer)
	bufferCap := cap(t.buffer)

	var usage float64
	if bufferCap > 0 {
		usage = float64(bufferLen) / float64(bufferCap) * 100
	}

	return APIUsageStats{
		BufferSize:     bufferLen,
		BufferCapacity: bufferCap,
		BufferUsage:    usage,
		Running:        running,
	}
}

// IsRunning returns whether the tracker is currently running.
func (t *APIUsageTracker) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}
