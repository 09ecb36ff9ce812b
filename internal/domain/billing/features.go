package billing

import (
	"github.com/briefly/metering/internal/domain/metering"
)

// FeatureKey represents a unique identifier for a gated platform feature
type FeatureKey string

const (
	// FeatureDocumentUpload gates uploading new documents
	FeatureDocumentUpload FeatureKey = "document_upload"

	// FeatureChatStreaming gates streamed chat responses
	FeatureChatStreaming FeatureKey = "chat_streaming"

	// FeatureSemanticSearch gates vector search over documents
	FeatureSemanticSearch FeatureKey = "semantic_search"

	// FeatureEmbeddingGeneration gates on-demand embedding runs
	FeatureEmbeddingGeneration FeatureKey = "embedding_generation"

	// FeatureWebsocketSessions gates realtime websocket sessions
	FeatureWebsocketSessions FeatureKey = "websocket_sessions"

	// FeatureBulkExport gates bulk data exports
	FeatureBulkExport FeatureKey = "bulk_export"

	// FeatureAPIAccess gates programmatic API-key access
	FeatureAPIAccess FeatureKey = "api_access"

	// FeatureBYOKKeys gates bring-your-own provider keys
	FeatureBYOKKeys FeatureKey = "byok_keys"

	// FeaturePriorityModels gates access to the premium model pool
	FeaturePriorityModels FeatureKey = "priority_models"

	// FeatureUsageStatements gates downloadable usage statements
	FeatureUsageStatements FeatureKey = "usage_statements"
)

// String returns the string representation of the feature key
func (k FeatureKey) String() string {
	return string(k)
}

// AllFeatureKeys returns every defined feature key
func AllFeatureKeys() []FeatureKey {
	return []FeatureKey{
		FeatureDocumentUpload,
		FeatureChatStreaming,
		FeatureSemanticSearch,
		FeatureEmbeddingGeneration,
		FeatureWebsocketSessions,
		FeatureBulkExport,
		FeatureAPIAccess,
		FeatureBYOKKeys,
		FeaturePriorityModels,
		FeatureUsageStatements,
	}
}

// IsValidFeatureKey checks if a feature key is defined
func IsValidFeatureKey(key FeatureKey) bool {
	for _, k := range AllFeatureKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// TierFeature describes whether a feature is enabled for a tier
type TierFeature struct {
	Tier        Tier
	Key         FeatureKey
	Enabled     bool
	Description string
}

// DefaultTierFeatures returns the built-in feature entitlements for a
// tier. Tenant-level overrides are applied on top of these defaults.
func DefaultTierFeatures(tier Tier) []TierFeature {
	switch tier {
	case TierPro:
		return defaultProFeatures()
	case TierProBYOK:
		return defaultProBYOKFeatures()
	default:
		return defaultFreeFeatures()
	}
}

func defaultFreeFeatures() []TierFeature {
	tier := TierFree
	return []TierFeature{
		{tier, FeatureDocumentUpload, true, "Upload documents"},
		{tier, FeatureChatStreaming, true, "Streamed chat responses"},
		{tier, FeatureSemanticSearch, true, "Semantic search over documents"},
		{tier, FeatureEmbeddingGeneration, false, "On-demand embedding generation"},
		{tier, FeatureWebsocketSessions, true, "Realtime websocket sessions"},
		{tier, FeatureBulkExport, false, "Bulk data export"},
		{tier, FeatureAPIAccess, false, "Programmatic API access"},
		{tier, FeatureBYOKKeys, false, "Bring-your-own provider keys"},
		{tier, FeaturePriorityModels, false, "Premium model pool"},
		{tier, FeatureUsageStatements, false, "Downloadable usage statements"},
	}
}

func defaultProFeatures() []TierFeature {
	tier := TierPro
	return []TierFeature{
		{tier, FeatureDocumentUpload, true, "Upload documents"},
		{tier, FeatureChatStreaming, true, "Streamed chat responses"},
		{tier, FeatureSemanticSearch, true, "Semantic search over documents"},
		{tier, FeatureEmbeddingGeneration, true, "On-demand embedding generation"},
		{tier, FeatureWebsocketSessions, true, "Realtime websocket sessions"},
		{tier, FeatureBulkExport, true, "Bulk data export"},
		{tier, FeatureAPIAccess, true, "Programmatic API access"},
		{tier, FeatureBYOKKeys, false, "Bring-your-own provider keys"},
		{tier, FeaturePriorityModels, true, "Premium model pool"},
		{tier, FeatureUsageStatements, true, "Downloadable usage statements"},
	}
}

func defaultProBYOKFeatures() []TierFeature {
	tier := TierProBYOK
	return []TierFeature{
		{tier, FeatureDocumentUpload, true, "Upload documents"},
		{tier, FeatureChatStreaming, true, "Streamed chat responses"},
		{tier, FeatureSemanticSearch, true, "Semantic search over documents"},
		{tier, FeatureEmbeddingGeneration, true, "On-demand embedding generation"},
		{tier, FeatureWebsocketSessions, true, "Realtime websocket sessions"},
		{tier, FeatureBulkExport, true, "Bulk data export"},
		{tier, FeatureAPIAccess, true, "Programmatic API access"},
		{tier, FeatureBYOKKeys, true, "Bring-your-own provider keys"},
		{tier, FeaturePriorityModels, true, "Premium model pool"},
		{tier, FeatureUsageStatements, true, "Downloadable usage statements"},
	}
}

// TierHasFeature checks whether a tier enables a feature by default
func TierHasFeature(tier Tier, key FeatureKey) bool {
	for _, f := range DefaultTierFeatures(tier) {
		if f.Key == key {
			return f.Enabled
		}
	}
	return false
}

// FeatureForAction maps a metered action to the feature that gates it.
// The second return is false for ungated actions: downloads and plain
// API calls are available on every tier (API-key authentication is
// gated separately at the auth layer), and storage deltas are emitted
// by the platform itself.
func FeatureForAction(action metering.ActionKind) (FeatureKey, bool) {
	switch action {
	case metering.ActionUpload:
		return FeatureDocumentUpload, true
	case metering.ActionMessage:
		return FeatureChatStreaming, true
	case metering.ActionSearch:
		return FeatureSemanticSearch, true
	case metering.ActionEmbedding:
		return FeatureEmbeddingGeneration, true
	case metering.ActionConnection:
		return FeatureWebsocketSessions, true
	case metering.ActionExport:
		return FeatureBulkExport, true
	default:
		return "", false
	}
}
