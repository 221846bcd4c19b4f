package duty

import (
	"sort"
	"time"

	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/storage"
)

// OpenSessions lists running sessions, oldest first.
func (t *Tracker) OpenSessions() []OpenSession {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.clock.Now()
	out := make([]OpenSession, 0, len(t.sessions))
	for userID, rec := range t.sessions {
		elapsed := now.Sub(rec.StartedAt).Minutes()
		if elapsed < 0 {
			elapsed = 0
		}
		out = append(out, OpenSession{UserID: userID, StartedAt: rec.StartedAt, ElapsedMinutes: elapsed})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session returns the open session of userID, if any.
func (t *Tracker) Session(userID string) (storage.SessionRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.sessions[userID]
	return rec, ok
}

// UsersInZone lists users currently inside the zone.
func (t *Tracker) UsersInZone() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.zones.UsersInZone()
}

// Visits returns the visit history of userID.
func (t *Tracker) Visits(userID string) []storage.Visit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.zones.History(userID)
}

// LedgerRange returns userID's buckets within [from, to]; empty bounds are open.
func (t *Tracker) LedgerRange(userID, from, to string) []interval.DayMinutes {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.Range(userID, from, to)
}

// LedgerMinutes returns one bucket.
func (t *Tracker) LedgerMinutes(userID, date string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.Minutes(userID, date)
}

// LedgerTotal sums every bucket of userID.
func (t *Tracker) LedgerTotal(userID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ledger.Total(userID)
}

// RecentHistory returns userID's buckets for the last days local dates,
// today included.
func (t *Tracker) RecentHistory(userID string, days int) []interval.DayMinutes {
	now := t.clock.Now().In(t.loc)
	from := now.AddDate(0, 0, -(days - 1))
	return t.LedgerRange(userID, interval.DateOf(from, t.loc), interval.DateOf(now, t.loc))
}

// Registered returns a copy of the registry as user ID -> group ID.
func (t *Tracker) Registered() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]string, len(t.registry))
	for userID, entry := range t.registry {
		out[userID] = entry.GroupID
	}
	return out
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time { return t.clock.Now() }
