// Package billing provides domain models for subscription tiers and limit
// enforcement in a multi-tenant SaaS application.
//
// This package implements the entitlement side of usage accounting, which
// is responsible for:
//   - Mapping subscription tiers to per-resource limit sets
//   - Gating consumption on subscription status (only active and trialing
//     subscriptions may consume)
//   - Evaluating consumption attempts against effective limits, including
//     tenant-specific overrides and downgrade grace windows
//   - Gating features by tier with tenant-level overrides
//
// Key Aggregates:
//   - TenantSubscription: A tenant's tier, provider status, and billing period
//   - LimitOverride / FeatureOverride: Tenant-specific entitlement overrides
//
// Value Objects:
//   - Tier, LimitSet, TierTable: The tier-to-limits mapping
//   - LimitCheckResult: The outcome of a consumption check, carried as a
//     tagged result value rather than an error
//
// The billing domain integrates with:
//   - Metering domain: Consumption totals come from recorded usage events
//   - Billing provider: Subscription state is synced from Stripe
package billing
