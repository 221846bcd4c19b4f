package duty

import (
	"context"
	"errors"

	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/report"
	"github.com/goodtune/dutywatch/internal/zone"
)

type pollTarget struct {
	userID  string
	groupID string

	prune bool
	ok    bool
	class zone.Classification
}

// PollZones re-evaluates every registered user against their current
// presence. Users the directory cannot resolve are pruned from the registry.
// Off-duty users still marked inside are moved outside.
func (t *Tracker) PollZones(ctx context.Context) {
	start := t.clock.Now()
	defer func() {
		metrics.ZonePollDuration.Observe(t.clock.Since(start).Seconds())
	}()

	targets := t.snapshotRegistry()

	// Resolve and classify outside the lock.
	for i := range targets {
		tg := &targets[i]
		if tg.groupID == "" {
			tg.prune = true
			continue
		}
		if t.dir == nil {
			continue
		}
		p, err := t.dir.Presence(ctx, tg.userID, tg.groupID)
		if errors.Is(err, ErrUnresolvable) {
			tg.prune = true
			continue
		}
		if err != nil {
			t.logger.Debug().Err(err).Str("user_id", tg.userID).Msg("Failed to fetch presence")
			continue
		}
		class, err := zone.ClassifyAll(ctx, t.classifier, p.Texts())
		if err != nil {
			t.logger.Warn().Err(err).Str("user_id", tg.userID).Msg("Failed to classify presence")
			continue
		}
		tg.ok = true
		tg.class = class
	}

	t.mutate(ctx, func() {
		now := t.clock.Now()
		zonesChanged := false

		if t.pruneLocked(targets) {
			t.saveRegistry(ctx)
		}

		for _, tg := range targets {
			if tg.prune || !tg.ok {
				continue
			}
			if _, onDuty := t.sessions[tg.userID]; !onDuty {
				continue
			}
			if tr := t.zones.Evaluate(tg.userID, tg.class, now); tr != nil {
				zonesChanged = true
				t.enqueueZone(tr, false, "")
			}
		}

		for _, userID := range t.zones.UsersInZone() {
			if _, onDuty := t.sessions[userID]; onDuty {
				continue
			}
			if tr := t.zones.ForceExit(userID, now); tr != nil {
				zonesChanged = true
				t.enqueueZone(tr, false, "")
			}
		}

		if zonesChanged {
			t.saveZones(ctx)
		}
	})
}

func (t *Tracker) snapshotRegistry() []pollTarget {
	t.mu.RLock()
	defer t.mu.RUnlock()

	targets := make([]pollTarget, 0, len(t.registry))
	for _, userID := range sortedUsers(t.registry) {
		targets = append(targets, pollTarget{userID: userID, groupID: t.registry[userID].GroupID})
	}
	return targets
}

// pruneLocked drops registry entries flagged for pruning, provided they were
// not re-registered under another group meanwhile.
func (t *Tracker) pruneLocked(targets []pollTarget) bool {
	changed := false
	for _, tg := range targets {
		if !tg.prune {
			continue
		}
		entry, ok := t.registry[tg.userID]
		if !ok || entry.GroupID != tg.groupID {
			continue
		}
		delete(t.registry, tg.userID)
		metrics.RegistryPruned.Inc()
		t.logger.Info().Str("user_id", tg.userID).Str("group_id", tg.groupID).Msg("Pruned unresolvable user from registry")
		changed = true
	}
	return changed
}

// DailySummary renders today's report for every resolvable registered user,
// posts it to the report channel and returns it. Unresolvable users are
// pruned.
func (t *Tracker) DailySummary(ctx context.Context) string {
	type row struct {
		pollTarget
		minutes float64
		visits  []report.VisitLine
	}

	t.mu.RLock()
	now := t.clock.Now()
	date := interval.DateOf(now, t.loc)
	rows := make([]row, 0, len(t.registry))
	for _, userID := range sortedUsers(t.registry) {
		r := row{
			pollTarget: pollTarget{userID: userID, groupID: t.registry[userID].GroupID},
			minutes:    t.ledger.Minutes(userID, date),
		}
		for _, v := range t.zones.VisitsOn(userID, date, t.loc) {
			line := report.VisitLine{Start: v.StartedAt, End: now, Open: v.Open(), Vehicle: v.Vehicle, Authorized: v.Authorized}
			if v.EndedAt != nil {
				line.End = *v.EndedAt
			}
			r.visits = append(r.visits, line)
		}
		rows = append(rows, r)
	}
	t.mu.RUnlock()

	summary := report.Summary{At: now, Location: t.loc, ZoneName: t.zoneName}
	targets := make([]pollTarget, 0, len(rows))
	for _, r := range rows {
		name, err := t.resolve(ctx, r.userID, r.groupID)
		if errors.Is(err, ErrUnresolvable) {
			r.prune = true
			targets = append(targets, r.pollTarget)
			continue
		}
		if err != nil {
			name = r.userID
		}
		summary.Duty = append(summary.Duty, report.DutyLine{Name: name, Minutes: r.minutes})
		summary.Zone = append(summary.Zone, report.ZoneLine{Name: name, Visits: r.visits})
		targets = append(targets, r.pollTarget)
	}

	t.mutate(ctx, func() {
		if t.pruneLocked(targets) {
			t.saveRegistry(ctx)
		}
	})

	text := report.DailySummary(summary)
	notify.Post(ctx, t.sink, t.logger, notify.ChannelReport, text)
	t.logger.Info().Str("date", date).Int("users", len(summary.Duty)).Msg("Posted daily summary")
	return text
}

func (t *Tracker) resolve(ctx context.Context, userID, groupID string) (string, error) {
	if groupID == "" {
		return "", ErrUnresolvable
	}
	if t.dir == nil {
		return userID, nil
	}
	return t.dir.DisplayName(ctx, userID, groupID)
}
