package metering

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/briefly/metering/internal/domain/shared"
)

// TrackUsageInput contains the data for recording one metered action
type TrackUsageInput struct {
	TenantID       uuid.UUID
	Action         metering.ActionKind
	Quantity       int64
	IdempotencyKey string     // Optional; generated when empty
	OccurredAt     *time.Time // Optional; defaults to now
	ResourceType   string
	ResourceID     string
	UserID         *uuid.UUID
	ClientIP       string
	UserAgent      string
	Metadata       metering.Metadata
}

// TrackUsageResult contains the outcome of recording a usage event
type TrackUsageResult struct {
	Event     *metering.UsageEvent // The persisted (or previously persisted) event
	Duplicate bool                 // True when the idempotency key had already been recorded
}

// RecordingHealth reports whether the ledger write path is working.
// Enforcement reads it to decide how much to trust usage totals.
type RecordingHealth struct {
	Healthy             bool       `json:"healthy"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// UsageStatistics summarizes a tenant's usage over a period
type UsageStatistics struct {
	TenantID    uuid.UUID             `json:"tenant_id"`
	PeriodStart time.Time             `json:"period_start"`
	PeriodEnd   time.Time             `json:"period_end"`
	Totals      map[string]UsageTotal `json:"totals"`
	TotalEvents int64                 `json:"total_events"`
}

// UsageTotal is the aggregated consumption for one action kind
type UsageTotal struct {
	Action    string `json:"action"`
	Total     int64  `json:"total"`
	Unit      string `json:"unit"`
	Formatted string `json:"formatted"`
}

// BillingUsage is the priced usage for a period, computed with exact
// decimal arithmetic so fractional cents never drift. Lines carries the
// whole-period totals; Segments breaks the period at a mid-period tier
// change so each side can be priced and compared against its own tier.
type BillingUsage struct {
	TenantID    uuid.UUID        `json:"tenant_id"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	Lines       []BillingLine    `json:"lines"`
	Segments    []BillingSegment `json:"segments"`
	Total       string           `json:"total"`
	Currency    string           `json:"currency"`
}

// BillingLine is one priced action kind
type BillingLine struct {
	Action   string `json:"action"`
	Quantity int64  `json:"quantity"`
	Rate     string `json:"rate"`
	Amount   string `json:"amount"`
}

// BillingSegment is the priced usage for one tier-constant slice of the
// period. PeriodShare is the segment's decimal fraction of the full
// period, used to prorate period-scoped charges.
type BillingSegment struct {
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	PeriodShare string        `json:"period_share"`
	Lines       []BillingLine `json:"lines"`
	Subtotal    string        `json:"subtotal"`
}

// AggregateCache caches computed usage statistics so repeated reads of
// the same period skip the ledger. A miss returns (nil, nil); errors
// are reserved for a failing backend.
type AggregateCache interface {
	// GetStatistics returns the cached statistics for the exact period,
	// or nil on miss
	GetStatistics(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*UsageStatistics, error)

	// SetStatistics caches computed statistics with the given TTL
	SetStatistics(ctx context.Context, stats *UsageStatistics, ttl time.Duration) error

	// InvalidateTenant drops every cached aggregate for a tenant
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
}

// TrackerConfig contains configuration for the usage tracker
type TrackerConfig struct {
	// IdempotencyTTL is how long a recorded key blocks duplicates in the
	// fast path; the ledger's uniqueness constraint backs it indefinitely
	IdempotencyTTL time.Duration

	// Rules bounds what an incoming event may contain
	Rules metering.ValidationRules

	// UnhealthyAfterFailures is how many consecutive ledger write
	// failures flip the recording health signal
	UnhealthyAfterFailures int64

	// StatsCacheTTL bounds how stale a cached statistics aggregate may
	// be; writes invalidate eagerly, so the TTL is a backstop
	StatsCacheTTL time.Duration

	// Rates prices each request-like action per unit
	Rates map[metering.ActionKind]decimal.Decimal

	// StorageRatePerGBMonth prices held storage, prorated by period length
	StorageRatePerGBMonth decimal.Decimal

	// Currency labels the computed amounts
	Currency string
}

// DefaultTrackerConfig returns default tracker configuration
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		IdempotencyTTL:         24 * time.Hour,
		Rules:                  metering.DefaultValidationRules(),
		UnhealthyAfterFailures: 3,
		StatsCacheTTL:          time.Minute,
		Rates: map[metering.ActionKind]decimal.Decimal{
			metering.ActionMessage:   decimal.RequireFromString("0.002"),
			metering.ActionUpload:    decimal.RequireFromString("0.01"),
			metering.ActionAPICall:   decimal.RequireFromString("0.0002"),
			metering.ActionSearch:    decimal.RequireFromString("0.0005"),
			metering.ActionEmbedding: decimal.RequireFromString("0.0001"),
			metering.ActionExport:    decimal.RequireFromString("0.05"),
		},
		StorageRatePerGBMonth: decimal.RequireFromString("0.023"),
		Currency:              "USD",
	}
}

// UsageTracker records metered actions into the durable ledger and
// answers aggregate questions about them
type UsageTracker struct {
	eventRepo    metering.UsageEventRepository
	snapshotRepo metering.UsageSnapshotRepository
	idempotency  shared.IdempotencyStore
	aggregates   AggregateCache
	publisher    shared.EventPublisher
	logger       *zap.Logger
	config       TrackerConfig

	// Recording health
	consecutiveFailures int64
	lastFailureNanos    int64
}

// NewUsageTracker creates a new UsageTracker
func NewUsageTracker(
	eventRepo metering.UsageEventRepository,
	snapshotRepo metering.UsageSnapshotRepository,
	idempotency shared.IdempotencyStore,
	aggregates AggregateCache,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config TrackerConfig,
) *UsageTracker {
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = 24 * time.Hour
	}
	if config.UnhealthyAfterFailures <= 0 {
		config.UnhealthyAfterFailures = 3
	}
	if config.StatsCacheTTL <= 0 {
		config.StatsCacheTTL = time.Minute
	}
	if config.Currency == "" {
		config.Currency = "USD"
	}
	return &UsageTracker{
		eventRepo:    eventRepo,
		snapshotRepo: snapshotRepo,
		idempotency:  idempotency,
		aggregates:   aggregates,
		publisher:    publisher,
		logger:       logger,
		config:       config,
	}
}

// TrackUsage validates, sanitizes, and persists one usage event.
// Submitting the same idempotency key again returns the original event
// as a successful no-op, so callers can retry blindly. Validation
// failures report every violated rule at once.
func (t *UsageTracker) TrackUsage(ctx context.Context, input TrackUsageInput) (*TrackUsageResult, error) {
	event := t.buildEvent(input)

	metering.SanitizeEvent(event)

	if violations := event.Violations(t.config.Rules); len(violations) > 0 {
		t.logger.Info("Rejected usage event",
			zap.String("tenant_id", input.TenantID.String()),
			zap.String("action", string(input.Action)),
			zap.Strings("violations", violations))
		t.publishAsync(metering.NewUsageRejectedEvent(input.TenantID, input.Action, violations))
		return nil, shared.NewValidationError(violations...)
	}

	// Fast path: a key marked here was already written to the ledger
	if t.idempotency != nil {
		isNew, err := t.idempotency.MarkProcessed(ctx, event.IdempotencyKey, t.config.IdempotencyTTL)
		if err != nil {
			// The ledger constraint still dedupes; degrade to the slow path
			t.logger.Warn("Idempotency store unavailable, relying on ledger constraint",
				zap.Error(err))
		} else if !isNew {
			return t.resolveDuplicate(ctx, event.IdempotencyKey)
		}
	}

	if err := t.eventRepo.Insert(ctx, event); err != nil {
		if err == shared.ErrAlreadyExists {
			// Lost the race against a concurrent submit of the same key
			return t.resolveDuplicate(ctx, event.IdempotencyKey)
		}

		t.recordFailure()
		t.releaseMark(ctx, event.IdempotencyKey)
		t.logger.Error("Failed to persist usage event",
			zap.String("tenant_id", input.TenantID.String()),
			zap.String("action", string(input.Action)),
			zap.Error(err))
		return nil, shared.NewDomainError("USAGE_WRITE_FAILED", "Failed to record usage event")
	}

	t.recordSuccess()
	t.invalidateAggregates(ctx, event.TenantID)

	t.publishAsync(metering.NewUsageRecordedEvent(event))

	t.logger.Debug("Recorded usage event",
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("action", string(event.Action)),
		zap.Int64("quantity", event.Quantity))

	return &TrackUsageResult{Event: event}, nil
}

// ValidateUsageData reports every validation violation for the input
// without persisting anything
func (t *UsageTracker) ValidateUsageData(input TrackUsageInput) []string {
	event := t.buildEvent(input)
	metering.SanitizeEvent(event)
	return event.Violations(t.config.Rules)
}

// GetUsageStatistics aggregates a tenant's usage per action over a
// period. Results are served from the aggregate cache when possible;
// writes for the tenant invalidate it.
func (t *UsageTracker) GetUsageStatistics(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (*UsageStatistics, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !end.After(start) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period end must be after start")
	}

	if t.aggregates != nil {
		cached, err := t.aggregates.GetStatistics(ctx, tenantID, start, end)
		if err != nil {
			t.logger.Warn("Aggregate cache read failed, falling back to ledger", zap.Error(err))
		} else if cached != nil {
			return cached, nil
		}
	}

	totals, err := t.eventRepo.SumByAction(ctx, tenantID, start, end)
	if err != nil {
		t.logger.Error("Failed to aggregate usage", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to aggregate usage")
	}

	count, err := t.eventRepo.CountByTenant(ctx, tenantID, metering.UsageEventFilter{
		StartTime: &start,
		EndTime:   &end,
	})
	if err != nil {
		t.logger.Error("Failed to count usage events", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to count usage events")
	}

	stats := &UsageStatistics{
		TenantID:    tenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		Totals:      make(map[string]UsageTotal, len(totals)),
		TotalEvents: count,
	}

	for action, total := range totals {
		stats.Totals[string(action)] = UsageTotal{
			Action:    string(action),
			Total:     total,
			Unit:      string(action.Unit()),
			Formatted: action.Unit().FormatValue(total),
		}
	}

	if t.aggregates != nil {
		if err := t.aggregates.SetStatistics(ctx, stats, t.config.StatsCacheTTL); err != nil {
			t.logger.Warn("Aggregate cache write failed", zap.Error(err))
		}
	}

	return stats, nil
}

// ListUsageEvents pages through a tenant's ledger entries matching the
// filter and returns the total match count for pagination.
func (t *UsageTracker) ListUsageEvents(ctx context.Context, tenantID uuid.UUID, filter metering.UsageEventFilter) ([]*metering.UsageEvent, int64, error) {
	if tenantID == uuid.Nil {
		return nil, 0, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	for _, action := range filter.Actions {
		if !action.IsValid() {
			return nil, 0, shared.NewDomainError("INVALID_ACTION", "Unknown action kind: "+string(action))
		}
	}

	defaults := metering.DefaultUsageEventFilter()
	if filter.Page <= 0 {
		filter.Page = defaults.Page
	}
	if filter.PageSize <= 0 || filter.PageSize > defaults.PageSize {
		filter.PageSize = defaults.PageSize
	}
	if filter.OrderBy == "" {
		filter.OrderBy = defaults.OrderBy
	}
	if filter.OrderDir == "" {
		filter.OrderDir = defaults.OrderDir
	}

	events, err := t.eventRepo.FindByTenant(ctx, tenantID, filter)
	if err != nil {
		t.logger.Error("Failed to list usage events", zap.Error(err))
		return nil, 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to list usage events")
	}

	count, err := t.eventRepo.CountByTenant(ctx, tenantID, filter)
	if err != nil {
		t.logger.Error("Failed to count usage events", zap.Error(err))
		return nil, 0, shared.NewDomainError("INTERNAL_ERROR", "Failed to count usage events")
	}

	return events, count, nil
}

// CorrectEvent removes one ledger entry as an explicit administrative
// correction and emits a correction event carrying the removed row, so
// downstream aggregates can account for it.
func (t *UsageTracker) CorrectEvent(ctx context.Context, eventID uuid.UUID) (*metering.UsageEvent, error) {
	if eventID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_EVENT", "Event ID cannot be empty")
	}

	event, err := t.eventRepo.FindByID(ctx, eventID)
	if err != nil {
		if err == shared.ErrNotFound {
			return nil, shared.NewDomainError("NOT_FOUND", "Usage event not found")
		}
		t.logger.Error("Failed to load usage event for correction",
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to load usage event")
	}

	if err := t.eventRepo.DeleteByID(ctx, eventID); err != nil {
		t.logger.Error("Failed to delete usage event",
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to delete usage event")
	}

	t.invalidateAggregates(ctx, event.TenantID)
	t.publishAsync(metering.NewUsageCorrectedEvent(event))

	t.logger.Info("Usage event corrected",
		zap.String("event_id", eventID.String()),
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("action", string(event.Action)),
		zap.Int64("quantity", event.Quantity))

	return event, nil
}

// GetDailySeries returns per-UTC-day totals for one action kind
func (t *UsageTracker) GetDailySeries(ctx context.Context, tenantID uuid.UUID, action metering.ActionKind, start, end time.Time) ([]metering.DailyUsage, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !action.IsValid() {
		return nil, shared.NewDomainError("INVALID_ACTION", "Unknown action kind")
	}

	series, err := t.eventRepo.AggregateDaily(ctx, tenantID, action, start, end)
	if err != nil {
		t.logger.Error("Failed to aggregate daily usage", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to aggregate daily usage")
	}
	return series, nil
}

// CalculateBillingUsage prices a tenant's usage for a period. Request
// actions are billed per unit; held storage is billed per GB-month,
// prorated by the period's share of a 30-day month. A tier change
// inside the period splits it at the change instant: usage before and
// after the change is summed and priced per segment, each carrying its
// decimal share of the period, so the two sides can be compared against
// their own tier's limits. Lines still carries the whole-period totals.
func (t *UsageTracker) CalculateBillingUsage(ctx context.Context, tenantID uuid.UUID, start, end time.Time, tierChangedAt *time.Time) (*BillingUsage, error) {
	if tenantID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_TENANT", "Tenant ID cannot be empty")
	}
	if !end.After(start) {
		return nil, shared.NewDomainError("INVALID_PERIOD", "Period end must be after start")
	}

	bounds := []time.Time{start, end}
	if tierChangedAt != nil {
		if at := tierChangedAt.UTC(); at.After(start) && at.Before(end) {
			bounds = []time.Time{start, at, end}
		}
	}

	usage := &BillingUsage{
		TenantID:    tenantID,
		PeriodStart: start,
		PeriodEnd:   end,
		Segments:    make([]BillingSegment, 0, len(bounds)-1),
		Currency:    t.config.Currency,
	}

	type runningLine struct {
		quantity int64
		rate     string
		amount   decimal.Decimal
	}
	running := make(map[string]*runningLine)
	accumulate := func(action string, quantity int64, rate string, amount decimal.Decimal, isLevel bool) {
		line, ok := running[action]
		if !ok {
			line = &runningLine{rate: rate}
			running[action] = line
		}
		if isLevel {
			// Held storage is a level, not a flow; every segment
			// describes the same bytes
			line.quantity = quantity
		} else {
			line.quantity += quantity
		}
		line.amount = line.amount.Add(amount)
	}

	periodNanos := decimal.NewFromInt(end.Sub(start).Nanoseconds())
	total := decimal.Zero

	for i := 0; i+1 < len(bounds); i++ {
		segStart, segEnd := bounds[i], bounds[i+1]

		totals, err := t.eventRepo.SumByAction(ctx, tenantID, segStart, segEnd)
		if err != nil {
			t.logger.Error("Failed to aggregate usage for billing", zap.Error(err))
			return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to aggregate usage")
		}

		segment := BillingSegment{
			PeriodStart: segStart,
			PeriodEnd:   segEnd,
			PeriodShare: decimal.NewFromInt(segEnd.Sub(segStart).Nanoseconds()).Div(periodNanos).StringFixed(4),
		}

		subtotal := decimal.Zero
		for _, action := range metering.AllActionKinds() {
			quantity, ok := totals[action]
			if !ok || quantity == 0 {
				continue
			}
			rate, priced := t.config.Rates[action]
			if !priced {
				continue
			}

			amount := rate.Mul(decimal.NewFromInt(quantity))
			segment.Lines = append(segment.Lines, BillingLine{
				Action:   string(action),
				Quantity: quantity,
				Rate:     rate.String(),
				Amount:   amount.StringFixed(4),
			})
			subtotal = subtotal.Add(amount)
			accumulate(string(action), quantity, rate.String(), amount, false)
		}

		if storageLine, ok := t.storageLine(ctx, tenantID, segStart, segEnd); ok {
			segment.Lines = append(segment.Lines, storageLine.line)
			subtotal = subtotal.Add(storageLine.amount)
			accumulate(storageLine.line.Action, storageLine.line.Quantity, storageLine.line.Rate, storageLine.amount, true)
		}

		segment.Subtotal = subtotal.StringFixed(2)
		usage.Segments = append(usage.Segments, segment)
		total = total.Add(subtotal)
	}

	usage.Lines = make([]BillingLine, 0, len(running))
	for _, action := range metering.AllActionKinds() {
		line, ok := running[string(action)]
		if !ok {
			continue
		}
		usage.Lines = append(usage.Lines, BillingLine{
			Action:   string(action),
			Quantity: line.quantity,
			Rate:     line.rate,
			Amount:   line.amount.StringFixed(4),
		})
	}

	usage.Total = total.StringFixed(2)
	return usage, nil
}

type pricedStorage struct {
	line   BillingLine
	amount decimal.Decimal
}

// storageLine prices held storage from the latest snapshot level
func (t *UsageTracker) storageLine(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (pricedStorage, bool) {
	if t.snapshotRepo == nil || t.config.StorageRatePerGBMonth.IsZero() {
		return pricedStorage{}, false
	}

	snapshot, err := t.snapshotRepo.FindLatestByTenant(ctx, tenantID)
	if err != nil || snapshot == nil || snapshot.StorageBytes <= 0 {
		return pricedStorage{}, false
	}

	gb := decimal.NewFromInt(snapshot.StorageBytes).Div(decimal.NewFromInt(1 << 30))
	monthShare := decimal.NewFromFloat(end.Sub(start).Hours()).Div(decimal.NewFromInt(30 * 24))
	amount := gb.Mul(t.config.StorageRatePerGBMonth).Mul(monthShare)

	return pricedStorage{
		line: BillingLine{
			Action:   string(metering.ActionStorageDelta),
			Quantity: snapshot.StorageBytes,
			Rate:     t.config.StorageRatePerGBMonth.String(),
			Amount:   amount.StringFixed(4),
		},
		amount: amount,
	}, true
}

// Health reports the ledger write path's health
func (t *UsageTracker) Health() RecordingHealth {
	failures := atomic.LoadInt64(&t.consecutiveFailures)
	health := RecordingHealth{
		Healthy:             failures < t.config.UnhealthyAfterFailures,
		ConsecutiveFailures: failures,
	}
	if nanos := atomic.LoadInt64(&t.lastFailureNanos); nanos > 0 {
		at := time.Unix(0, nanos).UTC()
		health.LastFailureAt = &at
	}
	return health
}

// buildEvent assembles a domain event from the input
func (t *UsageTracker) buildEvent(input TrackUsageInput) *metering.UsageEvent {
	event := metering.NewUsageEvent(input.TenantID, input.Action, input.Quantity)

	if input.IdempotencyKey != "" {
		event.WithIdempotencyKey(input.IdempotencyKey)
	}
	if input.OccurredAt != nil {
		event.WithOccurredAt(*input.OccurredAt)
	}
	if input.ResourceType != "" || input.ResourceID != "" {
		event.WithResource(input.ResourceType, input.ResourceID)
	}
	if input.UserID != nil {
		event.WithUser(*input.UserID)
	}
	if input.ClientIP != "" || input.UserAgent != "" {
		event.WithRequestInfo(input.ClientIP, input.UserAgent)
	}
	for key, value := range input.Metadata {
		event.WithMetadata(key, value)
	}

	return event
}

// resolveDuplicate turns a duplicate submit into a successful no-op
func (t *UsageTracker) resolveDuplicate(ctx context.Context, key string) (*TrackUsageResult, error) {
	existing, err := t.eventRepo.FindByIdempotencyKey(ctx, key)
	if err != nil && err != shared.ErrNotFound {
		t.logger.Warn("Failed to load original event for duplicate key",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}

	t.logger.Debug("Duplicate usage event resolved as no-op",
		zap.String("idempotency_key", key))

	return &TrackUsageResult{Event: existing, Duplicate: true}, nil
}

// invalidateAggregates drops cached statistics after a ledger mutation,
// best effort; the cache TTL bounds staleness if this fails
func (t *UsageTracker) invalidateAggregates(ctx context.Context, tenantID uuid.UUID) {
	if t.aggregates == nil {
		return
	}
	if err := t.aggregates.InvalidateTenant(ctx, tenantID); err != nil {
		t.logger.Warn("Failed to invalidate cached usage aggregates",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
	}
}

// releaseMark drops an idempotency mark after a failed write so a retry
// with the same key is not swallowed as a duplicate
func (t *UsageTracker) releaseMark(ctx context.Context, key string) {
	if t.idempotency == nil {
		return
	}
	if err := t.idempotency.Release(ctx, key); err != nil {
		t.logger.Warn("Failed to release idempotency key after write failure",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}

// publishAsync publishes a domain event without blocking the caller
func (t *UsageTracker) publishAsync(event shared.DomainEvent) {
	if t.publisher == nil {
		return
	}
	go func() {
		if err := t.publisher.Publish(context.Background(), event); err != nil {
			t.logger.Warn("Failed to publish usage event",
				zap.String("event_type", event.EventType()),
				zap.Error(err))
		}
	}()
}

func (t *UsageTracker) recordFailure() {
	atomic.AddInt64(&t.consecutiveFailures, 1)
	atomic.StoreInt64(&t.lastFailureNanos, time.Now().UnixNano())
}

func (t *UsageTracker) recordSuccess() {
	atomic.StoreInt64(&t.consecutiveFailures, 0)
}
