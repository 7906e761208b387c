package autosave

import "time"

// Cancel stops a scheduled function. It reports whether the call was stopped
// before firing. Calling it more than once is safe.
type Cancel func() bool

// Scheduler abstracts timer scheduling so debounce and retry behaviour can be
// driven deterministically in tests.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Cancel
}

type timerScheduler struct{}

// NewTimerScheduler returns the production Scheduler backed by time.AfterFunc.
func NewTimerScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) AfterFunc(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return t.Stop
}
