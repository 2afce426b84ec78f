package util

import "time"

// Timer is the subset of *time.Timer the domain relies on.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time and deferred callbacks so timer driven code stays testable.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns the Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// NowUTC exposes time.Now for deterministic testing.
func NowUTC() time.Time {
	return time.Now().UTC()
}

// UnixMillis converts t to epoch milliseconds.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis converts epoch milliseconds to a time.Time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
