// Package usage provides period-scoped usage counter types and pure functions.
// All functions are pure - no side effects.
package usage

import (
	"fmt"
	"time"
)

// Feature identifies a metered, quota-consuming operation.
type Feature string

const (
	FeatureAnalysis Feature = "analysis"
	FeatureContent  Feature = "content"
	FeatureAPICall  Feature = "api_call"
)

// Features lists every metered feature.
var Features = []Feature{FeatureAnalysis, FeatureContent, FeatureAPICall}

// Valid reports whether f is a known feature.
func (f Feature) Valid() bool {
	switch f {
	case FeatureAnalysis, FeatureContent, FeatureAPICall:
		return true
	}
	return false
}

// Column returns the storage column that holds the counter for f.
// The result is safe to interpolate into SQL because it comes from a closed set.
func (f Feature) Column() string {
	switch f {
	case FeatureAnalysis:
		return "analysis_count"
	case FeatureContent:
		return "content_count"
	case FeatureAPICall:
		return "api_call_count"
	}
	return ""
}

// ParseFeature converts a string into a Feature.
func ParseFeature(s string) (Feature, error) {
	f := Feature(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown feature %q", s)
	}
	return f, nil
}

// Period is a calendar month in UTC.
type Period struct {
	Year  int
	Month time.Month
}

// PeriodOf returns the UTC calendar period containing t.
// This is a PURE function; there is no rollover step.
func PeriodOf(t time.Time) Period {
	u := t.UTC()
	return Period{Year: u.Year(), Month: u.Month()}
}

// Start returns the first instant of the period.
func (p Period) Start() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant after the period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Prev returns the preceding period.
func (p Period) Prev() Period {
	return PeriodOf(p.Start().AddDate(0, -1, 0))
}

// Key returns the period in YYYY-MM form.
func (p Period) Key() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

// String implements fmt.Stringer.
func (p Period) String() string {
	return p.Key()
}

// ParsePeriod parses a YYYY-MM key.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return Period{}, fmt.Errorf("parse period %q: %w", s, err)
	}
	return PeriodOf(t), nil
}

// Record holds one tenant's counters for one period (value type).
type Record struct {
	TenantID  string
	Period    Period
	Analysis  int64
	Content   int64
	APICall   int64
	UpdatedAt time.Time
}

// NewRecord returns a zeroed record.
func NewRecord(tenantID string, p Period) Record {
	return Record{TenantID: tenantID, Period: p}
}

// Count returns the counter for f.
func (r Record) Count(f Feature) int64 {
	switch f {
	case FeatureAnalysis:
		return r.Analysis
	case FeatureContent:
		return r.Content
	case FeatureAPICall:
		return r.APICall
	}
	return 0
}

// Add returns r with n added to the counter for f.
func (r Record) Add(f Feature, n int64) Record {
	switch f {
	case FeatureAnalysis:
		r.Analysis += n
	case FeatureContent:
		r.Content += n
	case FeatureAPICall:
		r.APICall += n
	}
	return r
}

// Counts returns the counters keyed by feature.
func (r Record) Counts() map[Feature]int64 {
	return map[Feature]int64{
		FeatureAnalysis: r.Analysis,
		FeatureContent:  r.Content,
		FeatureAPICall:  r.APICall,
	}
}
