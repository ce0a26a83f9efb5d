package usage

import (
	"fmt"
	"time"
)

// Window is the counting scope a ceiling applies to.
type Window string

const (
	WindowMonthly  Window = "monthly"  // current period only
	WindowLifetime Window = "lifetime" // all periods summed
)

// Valid reports whether w is a known window.
func (w Window) Valid() bool {
	return w == WindowMonthly || w == WindowLifetime
}

// ParseWindow converts a string into a Window.
func ParseWindow(s string) (Window, error) {
	w := Window(s)
	if !w.Valid() {
		return "", fmt.Errorf("unknown window %q (want monthly or lifetime)", s)
	}
	return w, nil
}

// Reservation is a pending claim on one unit of quota.
// Committing converts it into a counter increment; releasing discards it.
// Reservations past ExpiresAt no longer hold quota.
type Reservation struct {
	ID        string
	TenantID  string
	Feature   Feature
	Period    Period
	Window    Window
	ExpiresAt time.Time
}

// Active reports whether the reservation still holds quota at now.
func (r Reservation) Active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// ReserveRequest describes an atomic check-and-claim against a ceiling.
type ReserveRequest struct {
	ID       string
	TenantID string
	Feature  Feature
	Period   Period
	Window   Window
	Ceiling  int64
	Now      time.Time
	TTL      time.Duration
}

// Reservation builds the reservation that a successful request produces.
func (r ReserveRequest) Reservation() Reservation {
	return Reservation{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Feature:   r.Feature,
		Period:    r.Period,
		Window:    r.Window,
		ExpiresAt: r.Now.Add(r.TTL),
	}
}

// Admit reports whether a new claim fits: used plus pending claims must stay below the ceiling.
// This is a PURE function shared by every store implementation.
func Admit(used, pending, ceiling int64) bool {
	return used+pending < ceiling
}

// ReserveResult is the outcome of a reserve attempt.
type ReserveResult struct {
	Reserved    bool
	Reservation Reservation
	Used        int64 // counter value in the request's window at check time
	Pending     int64 // active reservations in the window at check time, excluding this one
}
