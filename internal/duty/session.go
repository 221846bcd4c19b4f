package duty

import (
	"context"

	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/report"
	"github.com/goodtune/dutywatch/internal/storage"
)

// Start opens a session for user at now. groupID registers the user when
// they are not yet known. Starting an open session reports it unchanged.
func (t *Tracker) Start(ctx context.Context, userID, groupID string) StartResult {
	var res StartResult
	t.mutate(ctx, func() {
		res = t.startLocked(ctx, userID, groupID, false)
	})
	return res
}

// ForceStart is Start performed by an admin on behalf of userID.
func (t *Tracker) ForceStart(ctx context.Context, userID, groupID string) StartResult {
	var res StartResult
	t.mutate(ctx, func() {
		res = t.startLocked(ctx, userID, groupID, true)
	})
	return res
}

func (t *Tracker) startLocked(ctx context.Context, userID, groupID string, forced bool) StartResult {
	if rec, ok := t.sessions[userID]; ok {
		return StartResult{AlreadyOpen: true, StartedAt: rec.StartedAt}
	}

	now := t.clock.Now()
	t.sessions[userID] = storage.SessionRecord{StartedAt: now}

	registered := t.register(userID, groupID)
	if registered {
		t.saveRegistry(ctx)
	}
	t.saveSessions(ctx)

	t.logger.Info().
		Str("user_id", userID).
		Bool("forced", forced).
		Time("started_at", now).
		Msg("Started duty session")

	return StartResult{StartedAt: now, Registered: registered}
}

// Stop closes user's session and credits it to the ledger.
func (t *Tracker) Stop(ctx context.Context, userID string) StopResult {
	var res StopResult
	t.mutate(ctx, func() {
		res = t.stopLocked(ctx, userID, report.ReasonManual)
	})
	return res
}

// ForceStop is Stop performed by an admin on behalf of userID.
func (t *Tracker) ForceStop(ctx context.Context, userID string) StopResult {
	var res StopResult
	t.mutate(ctx, func() {
		res = t.stopLocked(ctx, userID, report.ReasonForced)
	})
	return res
}

func (t *Tracker) stopLocked(ctx context.Context, userID string, reason report.StopReason) StopResult {
	rec, ok := t.sessions[userID]
	if !ok {
		return StopResult{}
	}

	now := t.clock.Now()

	// Nobody off duty keeps an open visit.
	if tr := t.zones.ForceExit(userID, now); tr != nil {
		t.saveZones(ctx)
		t.enqueueZone(tr, reason == report.ReasonOffline, "")
	}

	delete(t.sessions, userID)

	before := t.ledger.Snapshot(userID)
	split := interval.Split(rec.CreditedFrom(), now, t.loc)
	t.ledger.AddSplit(userID, split)
	metrics.MinutesCredited.WithLabelValues("stop").Add(interval.Total(split))

	t.saveLedger(ctx)
	t.saveSessions(ctx)

	changes := t.ledger.Diff(before)
	t.enqueueLedgerChanges(userID, changes)

	elapsed := now.Sub(rec.StartedAt).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}

	if reason == report.ReasonOffline {
		loc := t.loc
		t.enqueue(notify.ChannelDuty, userID, "", func(name string) string {
			return report.SessionStopped(name, now, elapsed, reason, loc)
		})
	}

	t.logger.Info().
		Str("user_id", userID).
		Str("reason", string(reason)).
		Float64("minutes", elapsed).
		Float64("credited", interval.Total(split)).
		Msg("Stopped duty session")

	return StopResult{
		WasOpen:        true,
		StartedAt:      rec.StartedAt,
		EndedAt:        now,
		ElapsedMinutes: elapsed,
		Changes:        changes,
	}
}

// Reconcile credits every session recovered from storage up to now and
// leaves it open. Only the first call does anything.
//
// Each session remembers how far it has been credited, so a later Stop adds
// only the time since reconciliation.
func (t *Tracker) Reconcile(ctx context.Context) []Recovery {
	var recovered []Recovery
	t.mutate(ctx, func() {
		if t.reconciled {
			return
		}
		t.reconciled = true

		if len(t.sessions) == 0 {
			return
		}

		now := t.clock.Now()
		for _, userID := range sortedUsers(t.sessions) {
			rec := t.sessions[userID]

			before := t.ledger.Snapshot(userID)
			split := interval.Split(rec.CreditedFrom(), now, t.loc)
			t.ledger.AddSplit(userID, split)
			minutes := interval.Total(split)
			metrics.MinutesCredited.WithLabelValues("reconcile").Add(minutes)

			if now.After(rec.CreditedFrom()) {
				rec.CreditedThrough = now
			}
			t.sessions[userID] = rec

			recovered = append(recovered, Recovery{UserID: userID, StartedAt: rec.StartedAt, Minutes: minutes})
			t.enqueueLedgerChanges(userID, t.ledger.Diff(before))

			started := rec.StartedAt
			loc := t.loc
			t.enqueue(notify.ChannelDuty, userID, "", func(name string) string {
				return report.Recovered(name, minutes, started, loc)
			})

			t.logger.Info().
				Str("user_id", userID).
				Time("started_at", rec.StartedAt).
				Float64("minutes", minutes).
				Msg("Recovered open session")
		}

		t.saveLedger(ctx)
		t.saveSessions(ctx)
	})
	return recovered
}
