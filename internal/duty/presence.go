package duty

import (
	"context"
	"strings"

	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/report"
	"github.com/goodtune/dutywatch/internal/zone"
)

// HandlePresence processes one presence update:
//   - a game activity registers an unknown user under the presence's group
//   - an off-duty user still inside the zone is moved outside
//   - going offline ends an open session (closing any zone visit first)
//   - otherwise an on-duty user's activities drive the zone state machine
func (t *Tracker) HandlePresence(ctx context.Context, p Presence) {
	if p.UserID == "" {
		return
	}
	metrics.PresenceEvents.WithLabelValues(string(p.Status)).Inc()

	// Classify outside the lock.
	class, classErr := zone.ClassifyAll(ctx, t.classifier, p.Texts())
	if classErr != nil {
		t.logger.Warn().Err(classErr).Str("user_id", p.UserID).Msg("Failed to classify presence")
	}

	t.mutate(ctx, func() {
		if t.playingGame(p) && t.register(p.UserID, p.GroupID) {
			t.saveRegistry(ctx)
			name := p.Username
			t.enqueue(notify.ChannelDuty, p.UserID, name, report.Registered)
		}

		_, onDuty := t.sessions[p.UserID]
		offline := p.Status == StatusOffline

		if !onDuty {
			if tr := t.zones.ForceExit(p.UserID, t.clock.Now()); tr != nil {
				t.saveZones(ctx)
				t.enqueueZone(tr, offline, "")
			}
			return
		}

		if offline {
			t.stopLocked(ctx, p.UserID, report.ReasonOffline)
			return
		}

		if classErr != nil {
			return
		}
		if tr := t.zones.Evaluate(p.UserID, class, t.clock.Now()); tr != nil {
			t.saveZones(ctx)
			t.enqueueZone(tr, false, "")
		}
	})
}

func (t *Tracker) playingGame(p Presence) bool {
	for _, a := range p.Activities {
		name := strings.ToLower(a.Name)
		for _, k := range t.gameKeywords {
			if strings.Contains(name, k) {
				return true
			}
		}
	}
	return false
}

// Register adds userID under groupID when absent and reports whether it did.
func (t *Tracker) Register(ctx context.Context, userID, groupID string) bool {
	var added bool
	t.mutate(ctx, func() {
		if added = t.register(userID, groupID); added {
			t.saveRegistry(ctx)
		}
	})
	return added
}

// RegisterGroup registers every member of a group that is not yet known and
// returns how many were added. The registry is written once.
func (t *Tracker) RegisterGroup(ctx context.Context, groupID string, userIDs []string) int {
	added := 0
	t.mutate(ctx, func() {
		for _, id := range userIDs {
			if t.register(id, groupID) {
				added++
			}
		}
		if added > 0 {
			t.saveRegistry(ctx)
		}
	})
	return added
}
