package core

import "time"

// Clock abstracts time so the pipeline's many timers can be driven
// manually in tests. AfterFunc must never invoke fn synchronously.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending callback that can be stopped before it fires.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
