package metering

import "fmt"

// ActionKind represents the category of metered operation
type ActionKind string

const (
	// ActionMessage tracks chat messages sent by a tenant
	ActionMessage ActionKind = "message"

	// ActionUpload tracks document uploads
	ActionUpload ActionKind = "upload"

	// ActionDownload tracks document downloads
	ActionDownload ActionKind = "download"

	// ActionAPICall tracks API requests made against the platform
	ActionAPICall ActionKind = "api_call"

	// ActionSearch tracks semantic search queries
	ActionSearch ActionKind = "search"

	// ActionEmbedding tracks embedding generation runs
	ActionEmbedding ActionKind = "embedding"

	// ActionStorageDelta tracks storage consumption changes in bytes;
	// quantity is the absolute byte delta, direction lives in metadata
	ActionStorageDelta ActionKind = "storage_delta"

	// ActionConnection tracks realtime (websocket) session establishment
	ActionConnection ActionKind = "connection"

	// ActionExport tracks bulk data exports
	ActionExport ActionKind = "export"
)

// String returns the string representation of ActionKind
func (a ActionKind) String() string {
	return string(a)
}

// IsValid returns true if the action kind is a member of the closed enum
func (a ActionKind) IsValid() bool {
	switch a {
	case ActionMessage,
		ActionUpload,
		ActionDownload,
		ActionAPICall,
		ActionSearch,
		ActionEmbedding,
		ActionStorageDelta,
		ActionConnection,
		ActionExport:
		return true
	}
	return false
}

// Unit returns the measurement unit for this action kind
func (a ActionKind) Unit() UsageUnit {
	switch a {
	case ActionStorageDelta:
		return UsageUnitBytes
	case ActionAPICall, ActionSearch, ActionEmbedding:
		return UsageUnitRequests
	default:
		return UsageUnitCount
	}
}

// IsStorage returns true if this action kind represents storage consumption
func (a ActionKind) IsStorage() bool {
	return a == ActionStorageDelta
}

// DisplayName returns a human-readable name for the action kind
func (a ActionKind) DisplayName() string {
	switch a {
	case ActionMessage:
		return "Chat Messages"
	case ActionUpload:
		return "Document Uploads"
	case ActionDownload:
		return "Document Downloads"
	case ActionAPICall:
		return "API Calls"
	case ActionSearch:
		return "Search Queries"
	case ActionEmbedding:
		return "Embedding Runs"
	case ActionStorageDelta:
		return "Storage"
	case ActionConnection:
		return "Realtime Sessions"
	case ActionExport:
		return "Data Exports"
	default:
		return string(a)
	}
}

// AllActionKinds returns all valid action kinds
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionMessage,
		ActionUpload,
		ActionDownload,
		ActionAPICall,
		ActionSearch,
		ActionEmbedding,
		ActionStorageDelta,
		ActionConnection,
		ActionExport,
	}
}

// ParseActionKind parses a string into an ActionKind
func ParseActionKind(s string) (ActionKind, error) {
	a := ActionKind(s)
	if !a.IsValid() {
		return "", fmt.Errorf("invalid action kind: %s", s)
	}
	return a, nil
}

// UsageUnit represents the unit of measurement for usage
type UsageUnit string

const (
	// UsageUnitRequests represents request/call count
	UsageUnitRequests UsageUnit = "requests"

	// UsageUnitBytes represents storage in bytes
	UsageUnitBytes UsageUnit = "bytes"

	// UsageUnitCount represents a simple count
	UsageUnitCount UsageUnit = "count"
)

// String returns the string representation of UsageUnit
func (u UsageUnit) String() string {
	return string(u)
}

// IsValid returns true if the usage unit is valid
func (u UsageUnit) IsValid() bool {
	switch u {
	case UsageUnitRequests, UsageUnitBytes, UsageUnitCount:
		return true
	}
	return false
}

// FormatValue formats a value with the appropriate unit suffix
func (u UsageUnit) FormatValue(value int64) string {
	switch u {
	case UsageUnitBytes:
		return FormatBytes(value)
	case UsageUnitRequests:
		return fmt.Sprintf("%d requests", value)
	default:
		return fmt.Sprintf("%d", value)
	}
}

// FormatBytes formats bytes into human-readable form
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
