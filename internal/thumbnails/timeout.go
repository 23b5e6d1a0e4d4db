package thumbnails

import "time"

// extendable reports whether an image task that hit its deadline gets
// another window: only while resets remain and another image task finished
// within the last window.
func extendable(resets, maxResets int, lastActivity, now time.Time, window time.Duration) bool {
	if window <= 0 || resets >= maxResets || lastActivity.IsZero() {
		return false
	}
	return now.Sub(lastActivity) <= window
}
