// Package clock abstracts wall-clock reads so date rollover and dose windows
// can be driven deterministically in tests.
package clock

import "time"

// Clock reports the current instant
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in a fixed location
type System struct {
	Location *time.Location
}

// Now returns the current time in the configured location (local when unset)
func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}
	return time.Now().In(s.Location)
}

// Fixed always returns the same instant. Set moves it
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time { return f.T }

// Set moves the clock to t
func (f *Fixed) Set(t time.Time) { f.T = t }

// Advance moves the clock forward by d
func (f *Fixed) Advance(d time.Duration) { f.T = f.T.Add(d) }

// DateString formats t as the date-only marker used for day scoping,
// e.g. "Tue Jan 02 2024"
func DateString(t time.Time) string {
	return t.Format("Mon Jan 02 2006")
}
