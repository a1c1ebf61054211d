// Package system provides a real clock implementation.
package system

import "time"

// Clock implements bundle.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock frozen at T, used where deterministic timestamps matter.
type Fixed struct {
	T time.Time
}

// Now returns the frozen time.
func (f Fixed) Now() time.Time {
	return f.T
}
