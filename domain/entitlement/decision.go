package entitlement

import (
	"github.com/artpar/tenantmeter/domain/usage"
)

// Decision is the outcome of a quota check (value type).
type Decision struct {
	Allowed bool
	Feature usage.Feature
	Code    string // empty when allowed
	Message string
	Limited bool  // false when the plan has no ceiling for the feature
	Limit   Limit // meaningful only when Limited
	Used    int64 // window usage observed at check time
}

// Allow returns an allowing decision for an unlimited feature.
func Allow(f usage.Feature) Decision {
	return Decision{Allowed: true, Feature: f}
}

// AllowWithin returns an allowing decision for a limited feature.
func AllowWithin(f usage.Feature, l Limit, used int64) Decision {
	return Decision{Allowed: true, Feature: f, Limited: true, Limit: l, Used: used}
}

// Deny returns the decision for a feature whose ceiling has been reached.
func Deny(f usage.Feature, l Limit, used int64) Decision {
	return Decision{
		Feature: f,
		Code:    CodeFor(f),
		Message: MessageFor(f, l),
		Limited: true,
		Limit:   l,
		Used:    used,
	}
}

// Unavailable returns the fail-closed decision used when the quota store cannot answer.
func Unavailable(f usage.Feature) Decision {
	return Decision{
		Feature: f,
		Code:    CodeQuotaUnavailable,
		Message: "Usage limits could not be verified. Please retry shortly.",
	}
}

// Err returns a *LimitExceededError for a denied decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitExceededError{Feature: d.Feature, Code: d.Code, Message: d.Message}
}

// LimitExceededError is surfaced to end users as an upgrade prompt, not as a server fault.
type LimitExceededError struct {
	Feature usage.Feature
	Code    string
	Message string
}

func (e *LimitExceededError) Error() string {
	return e.Code + ": " + e.Message
}
