package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/dutywatch/internal/ledger"
	"github.com/goodtune/dutywatch/internal/zone"
)

// StopReason says why a session ended.
type StopReason string

const (
	ReasonManual  StopReason = "manual"
	ReasonForced  StopReason = "forced"
	ReasonOffline StopReason = "offline"
)

func (r StopReason) suffix() string {
	switch r {
	case ReasonForced:
		return " (stopped by an admin)"
	case ReasonOffline:
		return " (automatic, went offline)"
	}
	return ""
}

// SessionStarted announces a new session.
func SessionStarted(name string, at time.Time, loc *time.Location, forced bool) string {
	s := fmt.Sprintf("%s started duty at %s.", name, Clock(at, loc))
	if forced {
		s += " (started by an admin)"
	}
	return s
}

// SessionAlreadyOpen answers a start for a user already on duty.
func SessionAlreadyOpen(name string, since time.Time, elapsed float64, loc *time.Location) string {
	return fmt.Sprintf("%s has been on duty since %s. Time: %s.", name, Clock(since, loc), Minutes(elapsed))
}

// SessionStopped announces the end of a session.
func SessionStopped(name string, at time.Time, elapsed float64, reason StopReason, loc *time.Location) string {
	return fmt.Sprintf("%s stopped duty at %s. Time: %s%s.", name, Clock(at, loc), Minutes(elapsed), reason.suffix())
}

// NotOnDuty answers a stop for a user with no session.
func NotOnDuty(name string) string {
	return fmt.Sprintf("%s is not on duty.", name)
}

// Recovered announces time credited for a session that survived a restart.
func Recovered(name string, minutes float64, since time.Time, loc *time.Location) string {
	return fmt.Sprintf("Recovered %s of duty for %s (on duty since %s).", Minutes(minutes), name, Clock(since, loc))
}

// Registered announces an automatic registry addition.
func Registered(name string) string {
	return fmt.Sprintf("%s was added to the duty roster automatically.", name)
}

// Adjusted confirms an administrative correction.
func Adjusted(name, direction, date string, minutes float64) string {
	verb := "Added"
	prep := "to"
	if direction == "subtract" {
		verb = "Subtracted"
		prep = "from"
	}
	return fmt.Sprintf("%s %s %s %s's duty time on %s.", verb, ShortMinutes(minutes), prep, name, date)
}

// NamedChange is a ledger change with the user's display name.
type NamedChange struct {
	Name string
	ledger.Change
}

// LedgerChanges lists changed buckets, one per line.
func LedgerChanges(changes []NamedChange) string {
	if len(changes) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Ledger updated:")
	for _, c := range changes {
		fmt.Fprintf(&b, "\n- %s (%s): %s (was %s)", c.Name, c.Date, Minutes(c.New), Minutes(c.Old))
	}
	return b.String()
}

// ZoneTransition renders an entry or exit notice.
func ZoneTransition(name, zoneName string, tr zone.Transition, offline bool, loc *time.Location) string {
	if tr.Direction == zone.Entered {
		return fmt.Sprintf("%s entered %s at %s in vehicle %s%s (on duty).",
			name, zoneName, Clock(tr.At, loc), tr.Vehicle, vehicleStatus(tr.Authorized))
	}

	cause := ""
	switch {
	case offline:
		cause = " after going offline"
	case tr.Forced:
		cause = " when duty ended"
	}
	return fmt.Sprintf("%s left %s after %s at %s%s.", name, zoneName, Duration(tr.Elapsed), Clock(tr.At, loc), cause)
}

func vehicleStatus(authorized bool) string {
	if authorized {
		return ""
	}
	return " (unauthorized vehicle)"
}
