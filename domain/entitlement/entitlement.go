// Package entitlement provides plan limit tables and quota decisions.
// All functions are deterministic with no side effects.
package entitlement

import (
	"fmt"

	"github.com/artpar/tenantmeter/domain/tenant"
	"github.com/artpar/tenantmeter/domain/usage"
)

// Deny codes are stable API surface consumed by feature code and clients.
const (
	CodeLimitReachedAnalysis = "LIMIT_REACHED_ANALYSIS"
	CodeLimitReachedContent  = "LIMIT_REACHED_CONTENT"
	CodeLimitReachedAPICall  = "LIMIT_REACHED_API_CALL"
	CodeQuotaUnavailable     = "QUOTA_UNAVAILABLE"
)

// Limit is a ceiling on one feature over a counting window (value type).
type Limit struct {
	Window  usage.Window
	Ceiling int64
}

// Table maps plan and feature to a limit. A missing entry means unlimited.
type Table map[tenant.Plan]map[usage.Feature]Limit

// DefaultTable returns the limits applied when configuration does not override them.
func DefaultTable() Table {
	return Table{
		tenant.PlanFree: {
			usage.FeatureAnalysis: {Window: usage.WindowLifetime, Ceiling: 3},
			usage.FeatureContent:  {Window: usage.WindowMonthly, Ceiling: 10},
		},
	}
}

// Lookup returns the limit for plan and feature.
// Paid plans are never limited regardless of table contents.
func (t Table) Lookup(plan tenant.Plan, feature usage.Feature) (Limit, bool) {
	if plan.IsPaid() {
		return Limit{}, false
	}
	features, ok := t[plan]
	if !ok {
		return Limit{}, false
	}
	l, ok := features[feature]
	return l, ok
}

// Validate checks the table for unknown plans, features, windows and negative ceilings.
func (t Table) Validate() error {
	for plan, features := range t {
		if !plan.Valid() {
			return fmt.Errorf("limits: unknown plan %q", plan)
		}
		if plan.IsPaid() && len(features) > 0 {
			return fmt.Errorf("limits: plan %q is unlimited and cannot carry limits", plan)
		}
		for feature, l := range features {
			if !feature.Valid() {
				return fmt.Errorf("limits.%s: unknown feature %q", plan, feature)
			}
			if !l.Window.Valid() {
				return fmt.Errorf("limits.%s.%s: unknown window %q", plan, feature, l.Window)
			}
			if l.Ceiling < 0 {
				return fmt.Errorf("limits.%s.%s: ceiling must be >= 0", plan, feature)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for plan, features := range t {
		inner := make(map[usage.Feature]Limit, len(features))
		for f, l := range features {
			inner[f] = l
		}
		out[plan] = inner
	}
	return out
}

// CodeFor returns the deny code for a feature.
func CodeFor(f usage.Feature) string {
	switch f {
	case usage.FeatureAnalysis:
		return CodeLimitReachedAnalysis
	case usage.FeatureContent:
		return CodeLimitReachedContent
	case usage.FeatureAPICall:
		return CodeLimitReachedAPICall
	}
	return "LIMIT_REACHED"
}

// MessageFor returns the human-readable upgrade prompt for a denied feature.
func MessageFor(f usage.Feature, l Limit) string {
	var what string
	switch f {
	case usage.FeatureAnalysis:
		what = "Brand Analyses"
	case usage.FeatureContent:
		what = "Content Generations"
	case usage.FeatureAPICall:
		what = "API Calls"
	default:
		what = string(f)
	}
	if l.Window == usage.WindowMonthly {
		return fmt.Sprintf("Free limit reached: %d %s/mo. Upgrade to Pro.", l.Ceiling, what)
	}
	return fmt.Sprintf("Free limit reached: %d %s. Upgrade to Pro.", l.Ceiling, what)
}

// Remaining returns how many more units fit under the limit.
func Remaining(l Limit, used int64) int64 {
	if used >= l.Ceiling {
		return 0
	}
	return l.Ceiling - used
}
