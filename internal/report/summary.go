package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/dutywatch/internal/interval"
)

// DutyLine is one user's minutes in a summary.
type DutyLine struct {
	Name    string
	Minutes float64
}

// VisitLine is one zone visit in a summary. Open visits carry End = the
// summary instant.
type VisitLine struct {
	Start      time.Time
	End        time.Time
	Open       bool
	Vehicle    string
	Authorized bool
}

// ZoneLine groups a user's visits.
type ZoneLine struct {
	Name   string
	Visits []VisitLine
}

// Summary is the daily report content.
type Summary struct {
	At       time.Time
	Location *time.Location
	ZoneName string
	Duty     []DutyLine
	Zone     []ZoneLine
}

// DailySummary renders the daily report.
func DailySummary(s Summary) string {
	day := s.At
	if s.Location != nil {
		day = day.In(s.Location)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Duty report for %s:\n", day.Format("02/01/2006"))
	reported := 0
	for _, d := range s.Duty {
		if d.Minutes <= 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, Minutes(d.Minutes))
		reported++
	}
	if reported == 0 {
		b.WriteString("Nobody was on duty today.\n")
	}

	fmt.Fprintf(&b, "\n%s activity for %s:\n", s.ZoneName, day.Format("02/01/2006"))
	reported = 0
	for _, z := range s.Zone {
		if len(z.Visits) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s:\n", z.Name)
		for _, v := range z.Visits {
			start := v.Start.In(day.Location())
			end := v.End.In(day.Location())
			fmt.Fprintf(&b, "  - %s - %s: %s%s, %s\n",
				start.Format("15:04:05"), end.Format("15:04:05"),
				v.Vehicle, vehicleStatus(v.Authorized), Duration(end.Sub(start)))
		}
		reported++
	}
	if reported == 0 {
		fmt.Fprintf(&b, "Nobody entered %s today.\n", s.ZoneName)
	}

	return strings.TrimRight(b.String(), "\n")
}

// OpenSession is one line of the on-duty roster.
type OpenSession struct {
	Name    string
	Since   time.Time
	Minutes float64
}

// OnDutyRoster lists open sessions.
func OnDutyRoster(sessions []OpenSession, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("On duty now:")
	if len(sessions) == 0 {
		b.WriteString("\nNobody is on duty.")
	}
	for _, s := range sessions {
		fmt.Fprintf(&b, "\n- %s: %s (since %s)", s.Name, Minutes(s.Minutes), Clock(s.Since, loc))
	}
	return b.String()
}

// ZoneRoster lists users currently inside the zone.
func ZoneRoster(zoneName string, names []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Inside %s now:", zoneName)
	if len(names) == 0 {
		b.WriteString("\nNobody.")
	}
	for _, n := range names {
		fmt.Fprintf(&b, "\n- %s", n)
	}
	return b.String()
}

// History lists a user's buckets with a total.
func History(name string, days []interval.DayMinutes) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Duty history for %s:", name)
	if len(days) == 0 {
		b.WriteString("\nNo duty recorded.")
		return b.String()
	}
	for _, d := range days {
		fmt.Fprintf(&b, "\n- %s: %s", d.Date, Minutes(d.Minutes))
	}
	fmt.Fprintf(&b, "\nTotal: %s", Minutes(interval.Total(days)))
	return b.String()
}

// Total renders a user's overall duty time.
func Total(name string, minutes float64) string {
	return fmt.Sprintf("Total duty time for %s: %s", name, Minutes(minutes))
}

// DayLayout is how dates are shown in range reports.
const DayLayout = "02/01/2006"

// RangeLine is one user's buckets within a reported date range.
type RangeLine struct {
	Name string
	Days []interval.DayMinutes
}

// DateRange lists duty time per user between from and to (inclusive). A
// single day shows one total per user; a longer range shows each day and a
// total. Users with no time are left out.
func DateRange(from, to time.Time, lines []RangeLine) string {
	single := from.Equal(to)

	var b strings.Builder
	if single {
		fmt.Fprintf(&b, "Duty time on %s:", from.Format(DayLayout))
	} else {
		fmt.Fprintf(&b, "Duty time from %s to %s:", from.Format(DayLayout), to.Format(DayLayout))
	}

	reported := 0
	for _, l := range lines {
		total := interval.Total(l.Days)
		if total <= 0 {
			continue
		}
		reported++
		if single {
			fmt.Fprintf(&b, "\n- %s: %s", l.Name, Minutes(total))
			continue
		}
		fmt.Fprintf(&b, "\n- %s:", l.Name)
		for _, d := range l.Days {
			if d.Minutes <= 0 {
				continue
			}
			shown := d.Date
			if t, err := time.Parse(interval.DateLayout, d.Date); err == nil {
				shown = t.Format(DayLayout)
			}
			fmt.Fprintf(&b, "\n  - %s: %s", shown, Minutes(d.Minutes))
		}
		fmt.Fprintf(&b, "\n  Total: %s", Minutes(total))
	}
	if reported == 0 {
		b.WriteString("\nNo duty recorded in this period.")
	}
	return b.String()
}

// OffDutyRoster lists registered users without an open session.
func OffDutyRoster(names []string) string {
	var b strings.Builder
	b.WriteString("Off duty now:")
	if len(names) == 0 {
		b.WriteString("\nNobody is off duty.")
	}
	for _, n := range names {
		fmt.Fprintf(&b, "\n- %s", n)
	}
	return b.String()
}

// RegisteredUser is one line of the registry roster.
type RegisteredUser struct {
	Name string
	ID   string
}

// RegistryRoster lists every registered user with their ID.
func RegistryRoster(users []RegisteredUser) string {
	var b strings.Builder
	b.WriteString("Registered users:")
	if len(users) == 0 {
		b.WriteString("\nNobody is registered.")
	}
	for _, u := range users {
		fmt.Fprintf(&b, "\n- %s (ID: %s)", u.Name, u.ID)
	}
	return b.String()
}
