package persistence

import (
	"strings"
)

// ValidateSortOrder validates and normalizes the sort order to ASC or DESC.
// Returns "DESC" as the default if the input is invalid or empty.
func ValidateSortOrder(orderDir string) string {
	normalized := strings.ToUpper(strings.TrimSpace(orderDir))
	if normalized == "ASC" {
		return "ASC"
	}
	return "DESC"
}

// ValidateSortField validates the sort field against a whitelist of allowed fields.
// Returns the defaultField if the input is invalid, empty, or not in the whitelist.
func ValidateSortField(sortField string, allowedFields map[string]bool, defaultField string) string {
	trimmed := strings.TrimSpace(sortField)
	if trimmed == "" {
		return defaultField
	}
	if allowedFields[trimmed] {
		return trimmed
	}
	return defaultField
}

// Common allowed sort fields for entities with base fields
// These are the common fields present in most entities

// CommonSortFields contains fields common to most entities
var CommonSortFields = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
}

// UsageEventSortFields contains allowed sort fields for usage events
var UsageEventSortFields = map[string]bool{
	"id":            true,
	"created_at":    true,
	"updated_at":    true,
	"occurred_at":   true,
	"action":        true,
	"quantity":      true,
	"resource_type": true,
	"resource_id":   true,
	"user_id":       true,
}

// UsageSnapshotSortFields contains allowed sort fields for usage snapshots
var UsageSnapshotSortFields = map[string]bool{
	"id":            true,
	"created_at":    true,
	"snapshot_date": true,
	"storage_bytes": true,
	"event_count":   true,
}

// StatementSortFields contains allowed sort fields for usage statements
var StatementSortFields = map[string]bool{
	"id":           true,
	"created_at":   true,
	"updated_at":   true,
	"period_start": true,
	"period_end":   true,
	"status":       true,
	"generated_at": true,
}

// ReportLogSortFields contains allowed sort fields for usage report logs
var ReportLogSortFields = map[string]bool{
	"id":          true,
	"created_at":  true,
	"updated_at":  true,
	"action":      true,
	"quantity":    true,
	"status":      true,
	"retry_count": true,
	"timestamp":   true,
}
