package metering

import (
	"github.com/briefly/metering/internal/domain/shared"
	"github.com/google/uuid"
)

// Event type constants
const (
	EventTypeUsageRecorded  = "UsageRecorded"
	EventTypeUsageRejected  = "UsageRejected"
	EventTypeSnapshotTaken  = "UsageSnapshotTaken"
	EventTypeUsageCorrected = "UsageCorrected"
)

// UsageRecordedEvent is published after a usage event is durably stored
type UsageRecordedEvent struct {
	shared.BaseDomainEvent
	UsageEventID uuid.UUID  `json:"usage_event_id"`
	Action       ActionKind `json:"action"`
	Quantity     int64      `json:"quantity"`
	Unit         UsageUnit  `json:"unit"`
}

// NewUsageRecordedEvent creates a new UsageRecordedEvent
func NewUsageRecordedEvent(event *UsageEvent) *UsageRecordedEvent {
	return &UsageRecordedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageRecorded, event.TenantID),
		UsageEventID:    event.ID,
		Action:          event.Action,
		Quantity:        event.Quantity,
		Unit:            event.Unit,
	}
}

// UsageRejectedEvent is published when a usage event fails validation
type UsageRejectedEvent struct {
	shared.BaseDomainEvent
	Action     ActionKind `json:"action"`
	Violations []string   `json:"violations"`
}

// NewUsageRejectedEvent creates a new UsageRejectedEvent
func NewUsageRejectedEvent(tenantID uuid.UUID, action ActionKind, violations []string) *UsageRejectedEvent {
	return &UsageRejectedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageRejected, tenantID),
		Action:          action,
		Violations:      violations,
	}
}

// SnapshotTakenEvent is published after a daily snapshot is written
type SnapshotTakenEvent struct {
	shared.BaseDomainEvent
	SnapshotID uuid.UUID `json:"snapshot_id"`
	EventCount int64     `json:"event_count"`
}

// NewSnapshotTakenEvent creates a new SnapshotTakenEvent
func NewSnapshotTakenEvent(snapshot *UsageSnapshot) *SnapshotTakenEvent {
	return &SnapshotTakenEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeSnapshotTaken, snapshot.TenantID),
		SnapshotID:      snapshot.ID,
		EventCount:      snapshot.EventCount,
	}
}

// UsageCorrectedEvent is published when an operator removes a usage
// event as an administrative correction.
type UsageCorrectedEvent struct {
	shared.BaseDomainEvent
	UsageEventID uuid.UUID  `json:"usage_event_id"`
	Action       ActionKind `json:"action"`
	Quantity     int64      `json:"quantity"`
}

// NewUsageCorrectedEvent creates a new UsageCorrectedEvent
func NewUsageCorrectedEvent(event *UsageEvent) *UsageCorrectedEvent {
	return &UsageCorrectedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(EventTypeUsageCorrected, event.TenantID),
		UsageEventID:    event.ID,
		Action:          event.Action,
		Quantity:        event.Quantity,
	}
}
