package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionRecord is a persisted open on-duty session.
type SessionRecord struct {
	StartedAt time.Time `json:"started_at"`
	// CreditedThrough is the instant up to which the session has already been
	// folded into the ledger. Zero means nothing has been credited yet.
	CreditedThrough time.Time `json:"credited_through,omitempty"`
}

// CreditedFrom returns the instant from which uncredited time accrues.
func (s SessionRecord) CreditedFrom() time.Time {
	if s.CreditedThrough.IsZero() || s.CreditedThrough.Before(s.StartedAt) {
		return s.StartedAt
	}
	return s.CreditedThrough
}

// UnmarshalJSON accepts both the structured record and a bare ISO-8601 start
// instant, which is how older session files stored an open session.
func (s *SessionRecord) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		started, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("invalid session start %q: %w", raw, err)
		}
		*s = SessionRecord{StartedAt: started}
		return nil
	}

	type plain SessionRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.StartedAt.IsZero() {
		return fmt.Errorf("session record missing started_at")
	}
	*s = SessionRecord(p)
	return nil
}

// MarshalJSON omits a zero CreditedThrough.
func (s SessionRecord) MarshalJSON() ([]byte, error) {
	out := struct {
		StartedAt       time.Time  `json:"started_at"`
		CreditedThrough *time.Time `json:"credited_through,omitempty"`
	}{StartedAt: s.StartedAt}
	if !s.CreditedThrough.IsZero() {
		ct := s.CreditedThrough
		out.CreditedThrough = &ct
	}
	return json.Marshal(out)
}

// ActivityRecord is the persisted zone state of one user.
type ActivityRecord struct {
	InZone         bool       `json:"in_zone"`
	ZoneEntryAt    *time.Time `json:"zone_entry_time"`
	LastNotifiedAt *time.Time `json:"last_notified"`
}

// LedgerRecord holds accumulated on-duty minutes per local date.
type LedgerRecord struct {
	DailyOnline map[string]float64 `json:"daily_online"`
}

// Visit is one zone visit. EndedAt is nil while the visit is open.
type Visit struct {
	StartedAt  time.Time  `json:"start_time"`
	EndedAt    *time.Time `json:"end_time"`
	Vehicle    string     `json:"vehicle"`
	Authorized bool       `json:"authorized"`
}

// UnmarshalJSON also reads the older "unauthorized" flag when "authorized"
// is absent.
func (v *Visit) UnmarshalJSON(data []byte) error {
	type plain Visit
	var p struct {
		plain
		Authorized   *bool `json:"authorized"`
		Unauthorized *bool `json:"unauthorized"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*v = Visit(p.plain)
	switch {
	case p.Authorized != nil:
		v.Authorized = *p.Authorized
	case p.Unauthorized != nil:
		v.Authorized = !*p.Unauthorized
	}
	return nil
}

// Open reports whether the visit has not ended.
func (v Visit) Open() bool {
	return v.EndedAt == nil
}

// VisitHistory is the append-only list of a user's zone visits.
type VisitHistory struct {
	Visits []Visit `json:"visits"`
}

// RegistryEntry maps a user back to the group they were seen in.
type RegistryEntry struct {
	GroupID string `json:"guild_id"`
}
