package engine

import "time"

// Clock supplies wall-clock time to the controller. Durations and the time
// budget are measured with it, so tests can substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// ShouldStopForTime is the predictive budget check: it reports whether
// starting another solver run, expected to last lastDuration, would end after
// the budget. elapsed is measured from controller start.
func ShouldStopForTime(elapsed, lastDuration, budget time.Duration) bool {
	return elapsed+lastDuration > budget
}
