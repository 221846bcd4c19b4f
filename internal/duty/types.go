package duty

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goodtune/dutywatch/internal/ledger"
)

const (
	// PollInterval is the cadence of the zone re-evaluation over every
	// registered user.
	PollInterval = 5 * time.Minute

	// SummaryTick is how often the wall clock is compared with the summary time.
	SummaryTick = time.Minute
)

// DefaultGameKeywords trigger automatic registration when found in an
// activity name.
var DefaultGameKeywords = []string{"gta5vn.net", "gta5vn", "gta v", "gta 5", "fivem"}

var (
	// ErrUnresolvable is returned by a Directory when the user or their group
	// no longer exists.
	ErrUnresolvable = errors.New("user cannot be resolved")

	// ErrInvalidAdjustment is returned when an adjustment is rejected before
	// touching any state.
	ErrInvalidAdjustment = errors.New("invalid adjustment")
)

// Status is a presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// Activity is one free-text activity descriptor of a presence.
type Activity struct {
	Name    string
	State   string
	Details string
}

// Text joins the descriptor fields the way the zone grammar expects.
func (a Activity) Text() string {
	return a.Name + " " + a.State + " " + a.Details
}

// Presence is a snapshot of a user's status and activities in a group.
type Presence struct {
	UserID     string
	GroupID    string
	Username   string
	Status     Status
	Activities []Activity
}

// Texts returns the text of every activity.
func (p Presence) Texts() []string {
	out := make([]string, 0, len(p.Activities))
	for _, a := range p.Activities {
		out = append(out, a.Text())
	}
	return out
}

// Directory resolves users against the presence source.
type Directory interface {
	// DisplayName returns the user's name in group.
	DisplayName(ctx context.Context, userID, groupID string) (string, error)
	// Presence returns the user's current presence in group.
	Presence(ctx context.Context, userID, groupID string) (Presence, error)
}

// StartResult is the outcome of Start and ForceStart.
type StartResult struct {
	AlreadyOpen bool
	StartedAt   time.Time
	// Registered is set when the user was added to the registry.
	Registered bool
}

// StopResult is the outcome of Stop and ForceStop.
type StopResult struct {
	WasOpen   bool
	StartedAt time.Time
	EndedAt   time.Time
	// ElapsedMinutes is EndedAt minus StartedAt, unsplit.
	ElapsedMinutes float64
	Changes        []ledger.Change
}

// Recovery describes time credited for one session at startup.
type Recovery struct {
	UserID    string
	StartedAt time.Time
	Minutes   float64
}

// OpenSession is a read-only view of a running session.
type OpenSession struct {
	UserID         string
	StartedAt      time.Time
	ElapsedMinutes float64
}

// Direction of an administrative adjustment.
type Direction string

const (
	Add      Direction = "add"
	Subtract Direction = "subtract"
)

// ParseDirection accepts "add" or "subtract" in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Add:
		return Add, nil
	case Subtract:
		return Subtract, nil
	}
	return "", ErrInvalidAdjustment
}

// SummaryTime is a wall-clock time of day.
type SummaryTime struct {
	Hour   int
	Minute int
}

// ParseSummaryTime parses "HH:MM".
func ParseSummaryTime(s string) (SummaryTime, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return SummaryTime{}, err
	}
	return SummaryTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Matches reports whether t falls inside the summary minute.
func (s SummaryTime) Matches(t time.Time) bool {
	return t.Hour() == s.Hour && t.Minute() == s.Minute
}
