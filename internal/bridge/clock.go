package bridge

import "time"

// Clock abstracts wall time and timer scheduling so debounce behaviour can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancelable scheduled call. Stop reports whether the call was
// prevented from firing.
type Timer interface {
	Stop() bool
}

// SystemClock implements Clock over the time package.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

func (SystemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
