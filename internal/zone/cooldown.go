package zone

import "time"

// Cooldown is the minimum spacing between two zone notifications for the
// same user. Entry and exit share it.
const Cooldown = 300 * time.Second

// MayNotify reports whether a transition may fire at now given the instant
// of the last one.
func MayNotify(last *time.Time, now time.Time) bool {
	if last == nil || last.IsZero() {
		return true
	}
	return now.Sub(*last) >= Cooldown
}
