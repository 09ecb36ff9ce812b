package ratelimit

import (
	"fmt"
	"time"

	"github.com/briefly/metering/internal/domain/metering"
	"github.com/google/uuid"
)

// Rule is the admission policy for one action kind: at most Limit
// requests per Window, counted with the given algorithm.
type Rule struct {
	Limit     int64         `json:"limit" mapstructure:"limit"`
	Window    time.Duration `json:"window" mapstructure:"window"`
	Algorithm Algorithm     `json:"algorithm" mapstructure:"algorithm"`

	// FailOpen admits requests when the counter store is unreachable.
	// The default is fail-closed.
	FailOpen bool `json:"fail_open" mapstructure:"fail_open"`
}

// Validate checks the rule is enforceable
func (r Rule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", r.Window)
	}
	if !r.Algorithm.IsValid() {
		return fmt.Errorf("unknown algorithm %q", string(r.Algorithm))
	}
	return nil
}

// Request binds the rule to a tenant and action for one admission
// attempt.
func (r Rule) Request(tenantID uuid.UUID, action metering.ActionKind) CheckRequest {
	return CheckRequest{
		TenantID:  tenantID,
		Action:    action,
		Limit:     r.Limit,
		Window:    r.Window,
		Algorithm: r.Algorithm,
		FailOpen:  r.FailOpen,
	}
}

// RuleTable maps action kinds to their rate rules. Actions without a
// rule are not rate limited; quota enforcement still applies to them.
// The table is loaded from configuration at startup and validated once.
type RuleTable struct {
	rules map[metering.ActionKind]Rule
}

// NewRuleTable builds a validated rule table. Every entry must name a
// known action and carry an enforceable rule.
func NewRuleTable(rules map[metering.ActionKind]Rule) (*RuleTable, error) {
	table := make(map[metering.ActionKind]Rule, len(rules))
	for action, rule := range rules {
		if !action.IsValid() {
			return nil, fmt.Errorf("rule table contains unknown action %q", action)
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule for %q: %w", action, err)
		}
		table[action] = rule
	}
	return &RuleTable{rules: table}, nil
}

// For returns the rule for the action. The second return is false when
// the action has no rule and admission should be skipped.
func (t *RuleTable) For(action metering.ActionKind) (Rule, bool) {
	rule, ok := t.rules[action]
	return rule, ok
}

// Len returns the number of configured rules
func (t *RuleTable) Len() int {
	return len(t.rules)
}

// DefaultRuleTable returns the built-in rules used when configuration
// does not override them. Chat messages use a sliding window so bursts
// across a boundary cannot double the effective rate; the cheaper fixed
// window covers everything else. Storage deltas carry no rule because
// they are emitted by the platform itself, not by user requests.
func DefaultRuleTable() *RuleTable {
	table, err := NewRuleTable(map[metering.ActionKind]Rule{
		metering.ActionMessage:    {Limit: 30, Window: time.Minute, Algorithm: AlgorithmSlidingWindow},
		metering.ActionUpload:     {Limit: 12, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		metering.ActionDownload:   {Limit: 60, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		metering.ActionAPICall:    {Limit: 120, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		metering.ActionSearch:     {Limit: 60, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		metering.ActionEmbedding:  {Limit: 20, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		metering.ActionConnection: {Limit: 10, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
		metering.ActionExport:     {Limit: 2, Window: time.Minute, Algorithm: AlgorithmFixedWindow},
	})
	if err != nil {
		// The built-in table is a compile-time constant; failing to
		// build it is a programming error.
		panic(err)
	}
	return table
}
