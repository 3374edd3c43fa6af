package core

import "time"

// Clock abstracts time for components that record schedules, failures and
// durations, so tests can drive time deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

var _ Clock = SystemClock{}
