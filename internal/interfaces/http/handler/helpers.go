package handler

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/briefly/metering/internal/domain/metering"
)

// timeLayouts are accepted for start/end query parameters, tried in order
var timeLayouts = []string{time.RFC3339, "2006-01-02"}

// parseTimeRange reads the optional start/end query parameters. The end
// defaults to now and the start to end minus the default window, so a
// bare request reads as "the recent period".
func parseTimeRange(c *gin.Context, defaultWindow time.Duration) (time.Time, time.Time, error) {
	now := time.Now().UTC()

	end, err := parseTimeParam(c.Query("end"), now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end parameter: %w", err)
	}
	start, err := parseTimeParam(c.Query("start"), end.Add(-defaultWindow))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start parameter: %w", err)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must be before end")
	}
	return start, end, nil
}

// parseTimeParam parses one timestamp parameter, falling back to the
// default when the parameter is absent
func parseTimeParam(value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("expected RFC 3339 or YYYY-MM-DD, got %q", value)
}

// parseActionsParam reads the optional comma-separated actions filter
func parseActionsParam(c *gin.Context) ([]metering.ActionKind, error) {
	raw := c.Query("actions")
	if raw == "" {
		return nil, nil
	}

	var actions []metering.ActionKind
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		action, err := metering.ParseActionKind(part)
		if err != nil {
			return nil, fmt.Errorf("unknown action %q", part)
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// parseMonthParam parses a YYYY-MM billing month, defaulting to the
// previous calendar month when absent. Statement runs happen after a
// month closes, so "last month" is the natural default.
func parseMonthParam(value string) (time.Time, error) {
	if value == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0), nil
	}
	month, err := time.Parse("2006-01", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM, got %q", value)
	}
	return month.UTC(), nil
}
