package quiz

import "time"

// Clock schedules the countdown. Tests inject a manual clock.
type Clock interface {
	// Schedule runs fn once after delay. The returned func cancels it.
	Schedule(delay time.Duration, fn func()) (cancel func())
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns a Clock backed by time.AfterFunc
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Schedule(delay time.Duration, fn func()) func() {
	t := time.AfterFunc(delay, fn)
	return func() { t.Stop() }
}

func (systemClock) Now() time.Time {
	return time.Now()
}
