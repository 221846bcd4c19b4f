package zone

import (
	"sort"
	"time"

	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/goodtune/dutywatch/internal/storage"
)

// Direction of a zone transition.
type Direction string

const (
	Entered Direction = "entered"
	Exited  Direction = "exited"
)

// Transition describes a state change that produced (or closed) a visit.
type Transition struct {
	UserID     string
	Direction  Direction
	At         time.Time
	Vehicle    string
	Authorized bool
	// Elapsed is set on exits: At minus the zone entry instant.
	Elapsed time.Duration
	// Forced is set when the exit was caused by the session ending.
	Forced bool
}

// Repair records a correction applied while restoring persisted state.
type Repair struct {
	UserID string
	Action string
}

// Tracker owns zone state and visit history for every user. It is not safe
// for concurrent use; the caller serializes access.
type Tracker struct {
	states map[string]storage.ActivityRecord
	visits map[string]storage.VisitHistory
	allow  *Allowlist
}

// NewTracker creates an empty tracker.
func NewTracker(allow *Allowlist) *Tracker {
	return &Tracker{
		states: make(map[string]storage.ActivityRecord),
		visits: make(map[string]storage.VisitHistory),
		allow:  allow,
	}
}

// Restore replaces the tracker contents with persisted tables and repairs
// any user whose in_zone flag disagrees with the visit history:
//   - in zone without an open visit: an open visit is appended at the entry
//     instant with an unknown vehicle
//   - open visit while outside: the visit is closed at the last notification
//     instant (or its own start)
//   - several open visits: all but the last are closed
func (t *Tracker) Restore(states map[string]storage.ActivityRecord, visits map[string]storage.VisitHistory, now time.Time) []Repair {
	t.states = make(map[string]storage.ActivityRecord, len(states))
	for user, st := range states {
		t.states[user] = st
	}
	t.visits = make(map[string]storage.VisitHistory, len(visits))
	for user, h := range visits {
		t.visits[user] = storage.VisitHistory{Visits: append([]storage.Visit(nil), h.Visits...)}
	}

	users := make(map[string]struct{}, len(t.states)+len(t.visits))
	for user := range t.states {
		users[user] = struct{}{}
	}
	for user := range t.visits {
		users[user] = struct{}{}
	}

	var repairs []Repair
	for _, user := range sortedKeys(users) {
		repairs = append(repairs, t.repair(user, now)...)
	}
	t.updateGauge()
	return repairs
}

func (t *Tracker) repair(user string, now time.Time) []Repair {
	st := t.states[user]
	h := t.visits[user]

	var open []int
	for i, v := range h.Visits {
		if v.Open() {
			open = append(open, i)
		}
	}

	var repairs []Repair

	if !st.InZone {
		for _, i := range open {
			v := &h.Visits[i]
			end := v.StartedAt
			if st.LastNotifiedAt != nil && st.LastNotifiedAt.After(v.StartedAt) {
				end = *st.LastNotifiedAt
			}
			v.EndedAt = &end
			repairs = append(repairs, Repair{UserID: user, Action: "closed open visit for user outside the zone"})
		}
		if st.ZoneEntryAt != nil {
			st.ZoneEntryAt = nil
			repairs = append(repairs, Repair{UserID: user, Action: "cleared entry instant for user outside the zone"})
		}
	} else {
		if len(open) > 1 {
			last := h.Visits[open[len(open)-1]].StartedAt
			for _, i := range open[:len(open)-1] {
				v := &h.Visits[i]
				end := v.StartedAt
				if last.After(end) {
					end = last
				}
				v.EndedAt = &end
				repairs = append(repairs, Repair{UserID: user, Action: "closed duplicate open visit"})
			}
			open = open[len(open)-1:]
		}
		if len(open) == 0 {
			entry := now
			if st.ZoneEntryAt != nil {
				entry = *st.ZoneEntryAt
			}
			h.Visits = append(h.Visits, storage.Visit{StartedAt: entry, Vehicle: UnknownVehicle})
			repairs = append(repairs, Repair{UserID: user, Action: "opened missing visit for user inside the zone"})
		}
		if st.ZoneEntryAt == nil {
			entry := h.Visits[len(h.Visits)-1].StartedAt
			if len(open) == 1 {
				entry = h.Visits[open[0]].StartedAt
			}
			st.ZoneEntryAt = &entry
			repairs = append(repairs, Repair{UserID: user, Action: "restored entry instant from open visit"})
		}
	}

	if len(repairs) > 0 {
		t.states[user] = st
		t.visits[user] = h
	}
	return repairs
}

// Evaluate applies one classification for user at now. It returns the
// transition that fired, or nil. Flips inside the cooldown window are
// ignored entirely.
func (t *Tracker) Evaluate(user string, c Classification, now time.Time) *Transition {
	st := t.states[user]

	switch {
	case c.Active && !st.InZone:
		if !MayNotify(st.LastNotifiedAt, now) {
			metrics.ZoneNotificationsSuppressed.Inc()
			return nil
		}
		return t.enter(user, c.Vehicle, now)
	case !c.Active && st.InZone:
		if !MayNotify(st.LastNotifiedAt, now) {
			metrics.ZoneNotificationsSuppressed.Inc()
			return nil
		}
		return t.exit(user, now, false)
	}
	return nil
}

// ForceExit moves an INSIDE user to OUTSIDE regardless of cooldown. It
// returns nil when the user is already outside.
func (t *Tracker) ForceExit(user string, now time.Time) *Transition {
	if !t.states[user].InZone {
		return nil
	}
	return t.exit(user, now, true)
}

func (t *Tracker) enter(user, vehicle string, now time.Time) *Transition {
	if vehicle == "" {
		vehicle = UnknownVehicle
	}
	authorized := t.allow.Authorized(vehicle)

	at := now
	t.states[user] = storage.ActivityRecord{InZone: true, ZoneEntryAt: &at, LastNotifiedAt: &at}

	h := t.visits[user]
	h.Visits = append(h.Visits, storage.Visit{StartedAt: at, Vehicle: vehicle, Authorized: authorized})
	t.visits[user] = h

	metrics.ZoneTransitions.WithLabelValues(string(Entered)).Inc()
	t.updateGauge()

	return &Transition{UserID: user, Direction: Entered, At: at, Vehicle: vehicle, Authorized: authorized}
}

func (t *Tracker) exit(user string, now time.Time, forced bool) *Transition {
	st := t.states[user]
	tr := &Transition{UserID: user, Direction: Exited, At: now, Forced: forced}

	h := t.visits[user]
	for i := len(h.Visits) - 1; i >= 0; i-- {
		v := &h.Visits[i]
		if !v.Open() {
			continue
		}
		end := now
		if end.Before(v.StartedAt) {
			end = v.StartedAt
		}
		v.EndedAt = &end
		if tr.Vehicle == "" {
			tr.Vehicle = v.Vehicle
			tr.Authorized = v.Authorized
		}
	}
	t.visits[user] = h

	if st.ZoneEntryAt != nil && now.After(*st.ZoneEntryAt) {
		tr.Elapsed = now.Sub(*st.ZoneEntryAt)
	}

	at := now
	t.states[user] = storage.ActivityRecord{InZone: false, ZoneEntryAt: nil, LastNotifiedAt: &at}

	metrics.ZoneTransitions.WithLabelValues(string(Exited)).Inc()
	t.updateGauge()

	return tr
}

// InZone reports whether user is INSIDE.
func (t *Tracker) InZone(user string) bool {
	return t.states[user].InZone
}

// State returns the zone state of user.
func (t *Tracker) State(user string) storage.ActivityRecord {
	return t.states[user]
}

// UsersInZone returns every INSIDE user, sorted.
func (t *Tracker) UsersInZone() []string {
	var out []string
	for user, st := range t.states {
		if st.InZone {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// VisitsOn returns the visits of user that started on date in loc.
func (t *Tracker) VisitsOn(user, date string, loc *time.Location) []storage.Visit {
	var out []storage.Visit
	for _, v := range t.visits[user].Visits {
		if interval.DateOf(v.StartedAt, loc) == date {
			out = append(out, v)
		}
	}
	return out
}

// History returns a copy of every visit of user.
func (t *Tracker) History(user string) []storage.Visit {
	return append([]storage.Visit(nil), t.visits[user].Visits...)
}

// States returns a copy of the zone state table for persistence.
func (t *Tracker) States() map[string]storage.ActivityRecord {
	return storage.CloneMap(t.states)
}

// Visits returns a copy of the visit history table for persistence.
func (t *Tracker) Visits() map[string]storage.VisitHistory {
	out := make(map[string]storage.VisitHistory, len(t.visits))
	for user, h := range t.visits {
		out[user] = storage.VisitHistory{Visits: append([]storage.Visit(nil), h.Visits...)}
	}
	return out
}

func (t *Tracker) updateGauge() {
	n := 0
	for _, st := range t.states {
		if st.InZone {
			n++
		}
	}
	metrics.UsersInZone.Set(float64(n))
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
