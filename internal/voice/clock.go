package voice

import "time"

// Clock provides the time operations the session controller depends on,
// so reset timers can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer represents a cancellable timer.
type Timer interface {
	Stop() bool
}

// SystemClock uses real time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
