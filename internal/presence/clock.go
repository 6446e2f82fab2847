package presence

import "time"

// Clock schedules the typing timeouts. Tests inject a manual clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the subset of *time.Timer the tracker needs.
type Timer interface {
	Stop() bool
}

// RealClock uses time.AfterFunc.
type RealClock struct{}

// AfterFunc calls time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
