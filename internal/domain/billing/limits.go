package billing

import (
	"fmt"

	"github.com/briefly/metering/internal/domain/metering"
)

// Unlimited is the sentinel limit value meaning no cap applies
const Unlimited int64 = -1

// ResourceKind identifies a limited resource pool. Every metered action
// draws from exactly one pool.
type ResourceKind string

const (
	// ResourceDocuments counts documents uploaded within the billing period
	ResourceDocuments ResourceKind = "documents"

	// ResourceChatMessages counts chat messages within the billing period
	ResourceChatMessages ResourceKind = "chat_messages"

	// ResourceAPICalls counts API requests within the billing period
	ResourceAPICalls ResourceKind = "api_calls"

	// ResourceStorageBytes tracks total stored bytes, a level rather
	// than a per-period counter
	ResourceStorageBytes ResourceKind = "storage_bytes"
)

// String returns the string representation of the resource kind
func (r ResourceKind) String() string {
	return string(r)
}

// IsValid returns true if the resource kind is known
func (r ResourceKind) IsValid() bool {
	switch r {
	case ResourceDocuments, ResourceChatMessages, ResourceAPICalls, ResourceStorageBytes:
		return true
	}
	return false
}

// IsCumulative returns true for resources measured as a running level
// instead of a per-period count. Cumulative resources never reset at
// the period boundary.
func (r ResourceKind) IsCumulative() bool {
	return r == ResourceStorageBytes
}

// Unit returns the unit the resource is measured in
func (r ResourceKind) Unit() metering.UsageUnit {
	switch r {
	case ResourceStorageBytes:
		return metering.UsageUnitBytes
	case ResourceAPICalls:
		return metering.UsageUnitRequests
	default:
		return metering.UsageUnitCount
	}
}

// DisplayName returns a human-readable resource name
func (r ResourceKind) DisplayName() string {
	switch r {
	case ResourceDocuments:
		return "Documents"
	case ResourceChatMessages:
		return "Chat Messages"
	case ResourceAPICalls:
		return "API Calls"
	case ResourceStorageBytes:
		return "Storage"
	default:
		return string(r)
	}
}

// AllResourceKinds returns all limited resource pools
func AllResourceKinds() []ResourceKind {
	return []ResourceKind{
		ResourceDocuments,
		ResourceChatMessages,
		ResourceAPICalls,
		ResourceStorageBytes,
	}
}

// ParseResourceKind parses a string into a ResourceKind
func ParseResourceKind(s string) (ResourceKind, error) {
	kind := ResourceKind(s)
	if !kind.IsValid() {
		return "", fmt.Errorf("invalid resource kind: %s", s)
	}
	return kind, nil
}

// ResourceForAction maps a metered action to the resource pool it
// consumes. Uploads draw from the document pool, messages from the chat
// pool, storage deltas from the storage pool, and everything else is
// accounted as an API call.
func ResourceForAction(action metering.ActionKind) ResourceKind {
	switch action {
	case metering.ActionUpload:
		return ResourceDocuments
	case metering.ActionMessage:
		return ResourceChatMessages
	case metering.ActionStorageDelta:
		return ResourceStorageBytes
	default:
		return ResourceAPICalls
	}
}

// LimitSet holds the per-resource limits of a single tier. A value of
// Unlimited (-1) disables enforcement for that resource.
type LimitSet struct {
	Documents    int64 `json:"documents" mapstructure:"documents"`
	ChatMessages int64 `json:"chat_messages" mapstructure:"chat_messages"`
	APICalls     int64 `json:"api_calls" mapstructure:"api_calls"`
	StorageBytes int64 `json:"storage_bytes" mapstructure:"storage_bytes"`
}

// For returns the limit for the given resource kind
func (l LimitSet) For(kind ResourceKind) int64 {
	switch kind {
	case ResourceDocuments:
		return l.Documents
	case ResourceChatMessages:
		return l.ChatMessages
	case ResourceAPICalls:
		return l.APICalls
	case ResourceStorageBytes:
		return l.StorageBytes
	default:
		return 0
	}
}

// With returns a copy of the limit set with the given resource's limit
// replaced. Values below Unlimited are ignored.
func (l LimitSet) With(kind ResourceKind, limit int64) LimitSet {
	if limit < Unlimited {
		return l
	}
	switch kind {
	case ResourceDocuments:
		l.Documents = limit
	case ResourceChatMessages:
		l.ChatMessages = limit
	case ResourceAPICalls:
		l.APICalls = limit
	case ResourceStorageBytes:
		l.StorageBytes = limit
	}
	return l
}

// Validate checks that every limit is Unlimited or non-negative
func (l LimitSet) Validate() error {
	for _, kind := range AllResourceKinds() {
		if l.For(kind) < Unlimited {
			return fmt.Errorf("limit for %s must be %d (unlimited) or non-negative, got %d", kind, Unlimited, l.For(kind))
		}
	}
	return nil
}

// IsUnlimited returns true if the given resource has no cap
func (l LimitSet) IsUnlimited(kind ResourceKind) bool {
	return l.For(kind) == Unlimited
}

// FormattedLimit returns the limit for the resource rendered with its
// unit, or "Unlimited" when no cap applies.
func (l LimitSet) FormattedLimit(kind ResourceKind) string {
	if l.IsUnlimited(kind) {
		return "Unlimited"
	}
	return kind.Unit().FormatValue(l.For(kind))
}
