// Package ledger holds accumulated on-duty minutes per user and local date.
//
// Values only grow through Add. Subtract exists for administrative
// correction and floors at zero.
package ledger

import (
	"sort"

	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/storage"
)

// Ledger maps user ID -> date -> minutes.
type Ledger struct {
	users map[string]map[string]float64
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{users: make(map[string]map[string]float64)}
}

// FromRecords builds a ledger from persisted records. Negative values are
// clamped to zero.
func FromRecords(records map[string]storage.LedgerRecord) *Ledger {
	l := New()
	for user, rec := range records {
		days := make(map[string]float64, len(rec.DailyOnline))
		for date, minutes := range rec.DailyOnline {
			if minutes < 0 {
				minutes = 0
			}
			days[date] = minutes
		}
		l.users[user] = days
	}
	return l
}

// Records returns the persisted form of the ledger.
func (l *Ledger) Records() map[string]storage.LedgerRecord {
	out := make(map[string]storage.LedgerRecord, len(l.users))
	for user, days := range l.users {
		out[user] = storage.LedgerRecord{DailyOnline: storage.CloneMap(days)}
	}
	return out
}

// Add credits minutes to a date bucket, creating it at zero if needed.
// Negative deltas are ignored.
func (l *Ledger) Add(user, date string, minutes float64) {
	days := l.bucket(user)
	if minutes < 0 {
		minutes = 0
	}
	days[date] += minutes
}

// AddSplit credits every bucket of a split interval.
func (l *Ledger) AddSplit(user string, split []interval.DayMinutes) {
	for _, d := range split {
		l.Add(user, d.Date, d.Minutes)
	}
}

// Subtract removes minutes from a date bucket, flooring at zero.
func (l *Ledger) Subtract(user, date string, minutes float64) {
	days := l.bucket(user)
	if minutes < 0 {
		minutes = 0
	}
	v := days[date] - minutes
	if v < 0 {
		v = 0
	}
	days[date] = v
}

// Minutes returns the value of one bucket.
func (l *Ledger) Minutes(user, date string) float64 {
	return l.users[user][date]
}

// Days returns a copy of every bucket for a user.
func (l *Ledger) Days(user string) map[string]float64 {
	return storage.CloneMap(l.users[user])
}

// Range returns the buckets of a user whose date falls within [from, to].
// Empty bounds are open. Results are sorted by date.
func (l *Ledger) Range(user, from, to string) []interval.DayMinutes {
	var out []interval.DayMinutes
	for date, minutes := range l.users[user] {
		if from != "" && date < from {
			continue
		}
		if to != "" && date > to {
			continue
		}
		out = append(out, interval.DayMinutes{Date: date, Minutes: minutes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Total sums every bucket of a user.
func (l *Ledger) Total(user string) float64 {
	var total float64
	for _, minutes := range l.users[user] {
		total += minutes
	}
	return total
}

// Users returns the sorted list of users with at least one bucket.
func (l *Ledger) Users() []string {
	out := make([]string, 0, len(l.users))
	for user := range l.users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the buckets of a user for a later Diff.
func (l *Ledger) Snapshot(user string) Snapshot {
	return Snapshot{user: user, days: storage.CloneMap(l.users[user])}
}

func (l *Ledger) bucket(user string) map[string]float64 {
	days, ok := l.users[user]
	if !ok {
		days = make(map[string]float64)
		l.users[user] = days
	}
	return days
}

// Snapshot is a frozen copy of one user's buckets.
type Snapshot struct {
	user string
	days map[string]float64
}

// Change is one bucket whose value moved.
type Change struct {
	UserID string
	Date   string
	Old    float64
	New    float64
}

// Diff lists every bucket of the snapshot's user that differs between the
// snapshot and the current ledger, sorted by date.
func (l *Ledger) Diff(before Snapshot) []Change {
	current := l.users[before.user]

	var changes []Change
	for date, now := range current {
		if old := before.days[date]; old != now {
			changes = append(changes, Change{UserID: before.user, Date: date, Old: old, New: now})
		}
	}
	for date, old := range before.days {
		if _, ok := current[date]; !ok && old != 0 {
			changes = append(changes, Change{UserID: before.user, Date: date, Old: old, New: 0})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Date < changes[j].Date })
	return changes
}
