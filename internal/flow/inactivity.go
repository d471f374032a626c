package flow

import "time"

// IsInactive reports whether a bound agent's conversation handle has gone stale.
// A missing timestamp is inactive; an elapsed time equal to the threshold is not.
func IsInactive(last *time.Time, threshold time.Duration, now time.Time) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) > threshold
}
