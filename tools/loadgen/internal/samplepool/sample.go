// Package samplepool stores values harvested from API responses so the
// load generator can feed realistic parameters back into later requests.
// Values are grouped by kind and expire after a TTL.
package samplepool

import (
	"sync/atomic"
	"time"
)

// Kind classifies a sampled value.
type Kind string

// Kinds the metering load scenarios draw from.
const (
	KindTenantID       Kind = "tenant.id"
	KindAPIKey         Kind = "tenant.api_key"
	KindIdempotencyKey Kind = "usage.idempotency_key"
	KindAction         Kind = "usage.action"
	KindSubscriptionID Kind = "billing.subscription.id"
	KindStatementID    Kind = "billing.statement.id"
)

// Sample is a single pooled value. Treat Value as immutable once added.
type Sample struct {
	Value string
	Kind  Kind

	// Source is the request that produced this value, e.g. "POST /v1/usage/events"
	Source string

	CreatedAt time.Time
	ExpiresAt time.Time // zero means no expiration

	accessCount  atomic.Int64
	lastAccessed atomic.Int64 // unix nanoseconds
}

// NewSample creates a sample of the given kind. A TTL of 0 never expires.
func NewSample(value string, kind Kind, ttl time.Duration) *Sample {
	now := time.Now()
	s := &Sample{
		Value:     value,
		Kind:      kind,
		CreatedAt: now,
	}
	s.lastAccessed.Store(now.UnixNano())
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	return s
}

// WithSource records the request that produced this value.
func (s *Sample) WithSource(source string) *Sample {
	s.Source = source
	return s
}

// Expired reports whether the sample's TTL has elapsed.
func (s *Sample) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// Touch updates access statistics. Safe for concurrent use.
func (s *Sample) Touch() {
	s.accessCount.Add(1)
	s.lastAccessed.Store(time.Now().UnixNano())
}

// AccessCount returns how many times the sample has been drawn.
func (s *Sample) AccessCount() int64 {
	return s.accessCount.Load()
}

// LastAccessed returns when the sample was last drawn.
func (s *Sample) LastAccessed() time.Time {
	return time.Unix(0, s.lastAccessed.Load())
}
