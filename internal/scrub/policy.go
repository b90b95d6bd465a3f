package scrub

import (
	"time"
)

// Window is the time-of-day range in which new deep scrubs may be started.
type Window struct {
	StartHour int
	EndHour   int
	Location  *time.Location // nil means UTC
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Permitted reports whether now falls inside the window.
func (w Window) Permitted(now time.Time) bool {
	return Permitted(now.In(w.loc()).Hour(), w.StartHour, w.EndHour)
}

// Permitted decides admission for an hour of day.
//
//   - max > min: same-day window, both ends inclusive.
//   - max < min: overnight window wrapping past midnight.
//   - max == min: a single hour.
func Permitted(hour, minHour, maxHour int) bool {
	switch {
	case maxHour > minHour:
		return hour >= minHour && hour <= maxHour
	case maxHour < minHour:
		return hour >= minHour || hour <= maxHour
	default:
		return hour == minHour
	}
}

// EffectiveCap selects the concurrency cap for the day of now.
// Saturday and Sunday use weekend when set, otherwise weekday.
func EffectiveCap(now time.Time, weekday int, weekend *int) int {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		if weekend != nil {
			return *weekend
		}
	}
	return weekday
}

// Policy is the hot-reloadable part of the controller configuration.
type Policy struct {
	MaxConcurrent        int
	MaxConcurrentWeekend *int
	StalenessAge         time.Duration
	Window               Window
	Exclude              map[string]struct{}

	// Interval is the sleep between normal cycles; 0 runs a single cycle.
	Interval         time.Duration
	WindowBackoff    time.Duration
	SaturatedBackoff time.Duration
	ErrorBackoff     time.Duration
}

// DefaultPolicy matches the historical command line defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxConcurrent:    2,
		StalenessAge:     14 * 24 * time.Hour,
		Window:           Window{StartHour: 0, EndHour: 24},
		Exclude:          map[string]struct{}{},
		WindowBackoff:    120 * time.Second,
		SaturatedBackoff: 30 * time.Second,
		ErrorBackoff:     30 * time.Second,
	}
}

// CapAt returns the effective cap at now, evaluated in the window's timezone.
func (p Policy) CapAt(now time.Time) int {
	return EffectiveCap(now.In(p.Window.loc()), p.MaxConcurrent, p.MaxConcurrentWeekend)
}

// Excluded reports whether pgid is on the exclusion list.
func (p Policy) Excluded(pgid string) bool {
	_, ok := p.Exclude[pgid]
	return ok
}
