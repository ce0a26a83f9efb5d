package usage

import (
	"testing"
	"time"
)

func TestPeriodOf_UsesUTC(t *testing.T) {
	// 23:30 on Oct 31 in UTC-5 is already Nov 1 in UTC.
	loc := time.FixedZone("EST", -5*3600)
	local := time.Date(2026, 10, 31, 23, 30, 0, 0, loc)

	got := PeriodOf(local)
	want := Period{Year: 2026, Month: time.November}
	if got != want {
		t.Errorf("PeriodOf = %v, want %v", got, want)
	}
}

func TestPeriod_Bounds(t *testing.T) {
	p := Period{Year: 2026, Month: time.December}

	if got := p.Start(); !got.Equal(time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Start = %v", got)
	}
	if got := p.End(); !got.Equal(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("End = %v", got)
	}
	if got := (Period{Year: 2026, Month: time.January}).Prev(); got != (Period{Year: 2025, Month: time.December}) {
		t.Errorf("Prev = %v", got)
	}
}

func TestPeriod_KeyRoundTrip(t *testing.T) {
	p := Period{Year: 2026, Month: time.March}
	if p.Key() != "2026-03" {
		t.Fatalf("Key = %s, want 2026-03", p.Key())
	}
	got, err := ParsePeriod(p.Key())
	if err != nil {
		t.Fatalf("ParsePeriod: %v", err)
	}
	if got != p {
		t.Errorf("ParsePeriod = %v, want %v", got, p)
	}
	if _, err := ParsePeriod("2026/03"); err == nil {
		t.Error("expected error for malformed period")
	}
}

func TestParseFeature(t *testing.T) {
	for _, f := range Features {
		got, err := ParseFeature(string(f))
		if err != nil || got != f {
			t.Errorf("ParseFeature(%q) = %v, %v", f, got, err)
		}
		if f.Column() == "" {
			t.Errorf("Column(%q) is empty", f)
		}
	}
	if _, err := ParseFeature("export"); err == nil {
		t.Error("expected error for unknown feature")
	}
}

func TestRecord_AddAndCount(t *testing.T) {
	r := NewRecord("t1", Period{Year: 2026, Month: time.October})
	r = r.Add(FeatureContent, 2).Add(FeatureAnalysis, 1).Add(FeatureAPICall, 5)

	if r.Count(FeatureContent) != 2 {
		t.Errorf("content = %d, want 2", r.Count(FeatureContent))
	}
	if r.Count(FeatureAnalysis) != 1 {
		t.Errorf("analysis = %d, want 1", r.Count(FeatureAnalysis))
	}
	if r.Count(FeatureAPICall) != 5 {
		t.Errorf("api_call = %d, want 5", r.Count(FeatureAPICall))
	}
	if got := r.Counts()[FeatureContent]; got != 2 {
		t.Errorf("Counts()[content] = %d, want 2", got)
	}
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		used, pending, ceiling int64
		want                   bool
	}{
		{0, 0, 3, true},
		{2, 0, 3, true},
		{3, 0, 3, false},
		{2, 1, 3, false},
		{1, 1, 3, true},
		{0, 0, 0, false},
	}
	for _, tt := range tests {
		if got := Admit(tt.used, tt.pending, tt.ceiling); got != tt.want {
			t.Errorf("Admit(%d, %d, %d) = %v, want %v", tt.used, tt.pending, tt.ceiling, got, tt.want)
		}
	}
}

func TestReservation_Active(t *testing.T) {
	now := time.Now()
	req := ReserveRequest{ID: "r1", TenantID: "t1", Feature: FeatureContent, Now: now, TTL: time.Minute}
	res := req.Reservation()

	if !res.Active(now) {
		t.Error("reservation should be active immediately")
	}
	if res.Active(now.Add(2 * time.Minute)) {
		t.Error("reservation should expire after TTL")
	}
}

func TestParseWindow(t *testing.T) {
	if w, err := ParseWindow("lifetime"); err != nil || w != WindowLifetime {
		t.Errorf("ParseWindow(lifetime) = %v, %v", w, err)
	}
	if _, err := ParseWindow("weekly"); err == nil {
		t.Error("expected error for weekly")
	}
}
