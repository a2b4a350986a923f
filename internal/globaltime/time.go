package globaltime

import (
	"sync"
	"time"
)

var (
	mu      sync.RWMutex
	nowFunc = time.Now
)

func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	return nowFunc()
}

func UTC() time.Time {
	return Now().UTC()
}

// Since is time.Since against the mockable clock.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// DaysSince returns the fractional number of days between t and now, never
// negative.
func DaysSince(t time.Time) float64 {
	d := Since(t)
	if d < 0 {
		return 0
	}
	return d.Hours() / 24
}

func SetMockTime(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = func() time.Time { return t }
}

func ResetTime() {
	mu.Lock()
	defer mu.Unlock()
	nowFunc = time.Now
}
