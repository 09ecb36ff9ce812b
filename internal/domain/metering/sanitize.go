package metering

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxMetadataKeys bounds how many metadata entries survive sanitization
	MaxMetadataKeys = 32

	// MaxStringValueLength is the truncation point for string values
	MaxStringValueLength = 512

	// MaxMetadataKeyLength is the truncation point for metadata keys
	MaxMetadataKeyLength = 64
)

var scriptPattern = regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>`)

// SanitizeEvent cleans an event's free-form string fields in place before
// validation and persistence. Markup and path-traversal sequences are
// stripped, control bytes removed, and over-long strings truncated.
// Sanitization never runs after an event has been persisted.
func SanitizeEvent(e *UsageEvent) {
	e.ResourceType = SanitizeString(e.ResourceType)
	e.ResourceID = SanitizeString(e.ResourceID)
	e.UserAgent = SanitizeString(e.UserAgent)
	e.ClientIP = SanitizeString(e.ClientIP)
	e.Metadata = sanitizeMetadata(e.Metadata)
}

// SanitizeString strips script tags, markup, path-traversal sequences, and
// control bytes from a string, then truncates it to MaxStringValueLength.
func SanitizeString(s string) string {
	if s == "" {
		return s
	}

	s = scriptPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "<", "")
	s = strings.ReplaceAll(s, ">", "")
	s = strings.ReplaceAll(s, "../", "")
	s = strings.ReplaceAll(s, `..\`, "")
	s = stripControlBytes(s)

	return truncate(s, MaxStringValueLength)
}

// truncate cuts a string to at most max bytes without splitting a rune,
// so truncated values stay valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// sanitizeMetadata sanitizes string values, truncates keys, drops empty
// entries, and bounds the total number of keys. Non-string values pass
// through untouched; the serialized-size cap in Violations still applies.
func sanitizeMetadata(metadata Metadata) Metadata {
	if len(metadata) == 0 {
		return metadata
	}

	clean := make(Metadata, len(metadata))
	for key, value := range metadata {
		if len(clean) >= MaxMetadataKeys {
			break
		}

		key = SanitizeString(key)
		key = truncate(key, MaxMetadataKeyLength)
		if key == "" {
			continue
		}

		if s, ok := value.(string); ok {
			value = SanitizeString(s)
		}
		clean[key] = value
	}
	return clean
}

// stripControlBytes removes control characters (including NUL) that have no
// business inside metadata or resource identifiers.
func stripControlBytes(s string) string {
	return strings.Map(func(r rune) rune {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
