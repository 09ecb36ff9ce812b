package metering

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// UsageEvent represents an immutable record of a single metered action.
// Once persisted, usage events cannot be modified - corrections must be made
// with new events (or an explicit administrative deletion). This keeps a
// complete audit trail of everything a tenant consumed.
type UsageEvent struct {
	shared.BaseEntity
	TenantID       uuid.UUID  // The tenant this usage belongs to
	Action         ActionKind // Kind of metered action
	Quantity       int64      // Amount consumed (never negative)
	Unit           UsageUnit  // Unit of measurement
	OccurredAt     time.Time  // When the action happened
	IdempotencyKey string     // Globally unique key preventing double counting
	ResourceType   string     // Kind of resource acted on (e.g., "document", "conversation")
	ResourceID     string     // ID of the resource (optional)
	Metadata       Metadata   // Additional context about the usage
	UserID         *uuid.UUID // User who triggered the action (optional)
	ClientIP       string     // Client IP of the originating request
	UserAgent      string     // User agent of the originating request
}

// Metadata holds additional context about a usage event
type Metadata map[string]any

// ValidationRules bounds what a usage event may contain before it is
// accepted into the ledger. Zero values fall back to the defaults.
type ValidationRules struct {
	// MaxQuantity is the per-event quantity ceiling
	MaxQuantity int64

	// MaxMetadataBytes caps the serialized metadata size
	MaxMetadataBytes int

	// MaxEventAge is how far in the past an event timestamp may lie
	MaxEventAge time.Duration

	// ClockSkewTolerance is how far in the future a timestamp may lie
	ClockSkewTolerance time.Duration

	// Now anchors the temporal checks; zero means time.Now at call time
	Now time.Time
}

// DefaultValidationRules returns the default event validation bounds
func DefaultValidationRules() ValidationRules {
	return ValidationRules{
		MaxQuantity:        1 << 40, // covers storage deltas up to 1 TiB
		MaxMetadataBytes:   4096,
		MaxEventAge:        72 * time.Hour,
		ClockSkewTolerance: 5 * time.Minute,
	}
}

// NewUsageEvent creates a usage event with a generated idempotency key.
// Validation is deferred to Violations so that callers receive every
// violated rule at once instead of the first one encountered.
func NewUsageEvent(tenantID uuid.UUID, action ActionKind, quantity int64) *UsageEvent {
	return &UsageEvent{
		BaseEntity:     shared.NewBaseEntity(),
		TenantID:       tenantID,
		Action:         action,
		Quantity:       quantity,
		Unit:           action.Unit(),
		OccurredAt:     time.Now().UTC(),
		IdempotencyKey: uuid.New().String(),
		Metadata:       make(Metadata),
	}
}

// WithIdempotencyKey overrides the generated idempotency key with a
// caller-supplied one, making retries of the same logical event safe.
func (e *UsageEvent) WithIdempotencyKey(key string) *UsageEvent {
	e.IdempotencyKey = key
	return e
}

// WithResource sets the resource the action operated on
func (e *UsageEvent) WithResource(resourceType, resourceID string) *UsageEvent {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithUser sets the user who triggered the action
func (e *UsageEvent) WithUser(userID uuid.UUID) *UsageEvent {
	e.UserID = &userID
	return e
}

// WithRequestInfo sets request information for request-scoped actions
func (e *UsageEvent) WithRequestInfo(clientIP, userAgent string) *UsageEvent {
	e.ClientIP = clientIP
	e.UserAgent = userAgent
	return e
}

// WithMetadata adds a metadata entry to the event
func (e *UsageEvent) WithMetadata(key string, value any) *UsageEvent {
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
	e.Metadata[key] = value
	return e
}

// WithOccurredAt sets a custom occurrence time (for backfilled events)
func (e *UsageEvent) WithOccurredAt(occurredAt time.Time) *UsageEvent {
	e.OccurredAt = occurredAt.UTC()
	return e
}

// Violations checks the event against the given rules and returns every
// violated rule. An empty slice means the event is acceptable.
func (e *UsageEvent) Violations(rules ValidationRules) []string {
	defaults := DefaultValidationRules()
	if rules.MaxQuantity == 0 {
		rules.MaxQuantity = defaults.MaxQuantity
	}
	if rules.MaxMetadataBytes == 0 {
		rules.MaxMetadataBytes = defaults.MaxMetadataBytes
	}
	if rules.MaxEventAge == 0 {
		rules.MaxEventAge = defaults.MaxEventAge
	}
	if rules.ClockSkewTolerance == 0 {
		rules.ClockSkewTolerance = defaults.ClockSkewTolerance
	}
	now := rules.Now
	if now.IsZero() {
		now = time.Now()
	}

	var violations []string

	if e.TenantID == uuid.Nil {
		violations = append(violations, "tenant id is required")
	}
	if !e.Action.IsValid() {
		violations = append(violations, fmt.Sprintf("unknown action kind %q", string(e.Action)))
	}
	if e.Quantity < 0 {
		violations = append(violations, "quantity: negative values not allowed")
	} else if e.Quantity > rules.MaxQuantity {
		violations = append(violations, fmt.Sprintf("quantity %d exceeds per-event ceiling %d", e.Quantity, rules.MaxQuantity))
	}
	if e.IdempotencyKey == "" {
		violations = append(violations, "idempotency key is required")
	} else if len(e.IdempotencyKey) > 128 {
		violations = append(violations, "idempotency key exceeds 128 characters")
	}
	if e.OccurredAt.Before(now.Add(-rules.MaxEventAge)) {
		violations = append(violations, fmt.Sprintf("timestamp older than the %s backlog window", rules.MaxEventAge))
	}
	if e.OccurredAt.After(now.Add(rules.ClockSkewTolerance)) {
		violations = append(violations, "timestamp lies in the future beyond clock skew tolerance")
	}
	if size, err := e.metadataSize(); err != nil {
		violations = append(violations, "metadata is not serializable")
	} else if size > rules.MaxMetadataBytes {
		violations = append(violations, fmt.Sprintf("metadata size %d bytes exceeds cap of %d bytes", size, rules.MaxMetadataBytes))
	}

	return violations
}

// metadataSize returns the serialized metadata size in bytes
func (e *UsageEvent) metadataSize() (int, error) {
	if len(e.Metadata) == 0 {
		return 0, nil
	}
	data, err := json.Marshal(e.Metadata)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// UTCDay returns the event's occurrence day normalized to a UTC boundary,
// regardless of the timestamp's original offset.
func (e *UsageEvent) UTCDay() time.Time {
	utc := e.OccurredAt.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// GetFormattedQuantity returns the quantity formatted with its unit
func (e *UsageEvent) GetFormattedQuantity() string {
	return e.Unit.FormatValue(e.Quantity)
}

// GetTenantID returns the owning tenant
func (e *UsageEvent) GetTenantID() uuid.UUID {
	return e.TenantID
}

var _ shared.TenantOwned = (*UsageEvent)(nil)

// NewAPICallEvent is a helper to create an API call usage event
func NewAPICallEvent(tenantID uuid.UUID, endpoint string, userID *uuid.UUID, clientIP, userAgent string) *UsageEvent {
	event := NewUsageEvent(tenantID, ActionAPICall, 1).
		WithResource("endpoint", endpoint).
		WithRequestInfo(clientIP, userAgent)
	if userID != nil {
		event.WithUser(*userID)
	}
	return event
}

// NewStorageDeltaEvent is a helper to create a storage change event
func NewStorageDeltaEvent(tenantID uuid.UUID, bytes int64, resourceType, resourceID string) *UsageEvent {
	return NewUsageEvent(tenantID, ActionStorageDelta, bytes).
		WithResource(resourceType, resourceID)
}

// NewFailedOperationEvent creates the zero-quantity event recorded when a
// protected operation fails after passing enforcement, so that failures
// remain observable without counting against any quota.
func NewFailedOperationEvent(tenantID uuid.UUID, action ActionKind) *UsageEvent {
	return NewUsageEvent(tenantID, action, 0).
		WithMetadata("outcome", "failed")
}
