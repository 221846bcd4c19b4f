package duty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/storage"
)

func TestTracker_EndToEndAcrossMidnight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 23, 30, 0, 0, ict))

	start := env.tracker.Start(ctx, "u1", "g1")
	if start.AlreadyOpen || !start.Registered {
		t.Fatalf("Start() = %+v, want new session with registration", start)
	}

	env.advance(45 * time.Minute)
	res := env.tracker.Stop(ctx, "u1")
	if !res.WasOpen {
		t.Fatal("Stop() reported no open session")
	}
	if res.ElapsedMinutes != 45 {
		t.Errorf("ElapsedMinutes = %v, want 45", res.ElapsedMinutes)
	}

	if got := env.tracker.LedgerMinutes("u1", "2025-01-01"); got != 30 {
		t.Errorf("2025-01-01 = %v, want 30", got)
	}
	if got := env.tracker.LedgerMinutes("u1", "2025-01-02"); got != 15 {
		t.Errorf("2025-01-02 = %v, want 15", got)
	}

	persisted := env.store.ledger.snapshot()["u1"].DailyOnline
	if persisted["2025-01-01"] != 30 || persisted["2025-01-02"] != 15 {
		t.Errorf("persisted ledger = %v", persisted)
	}
	if len(env.store.sessions.snapshot()) != 0 {
		t.Error("session table still holds the closed session")
	}

	changes := env.sink.On(notify.ChannelLedger)
	if len(changes) != 1 || !strings.Contains(changes[0], "2025-01-01): 0h 30m") || !strings.Contains(changes[0], "2025-01-02): 0h 15m") {
		t.Errorf("ledger notices = %q", changes)
	}
}

func TestTracker_StartTwiceKeepsOriginalStart(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 9, 0, 0, 0, ict)
	env := newTestEnv(t, t0)

	env.tracker.Start(ctx, "u1", "g1")
	env.advance(time.Hour)

	again := env.tracker.ForceStart(ctx, "u1", "g1")
	if !again.AlreadyOpen || !again.StartedAt.Equal(t0) {
		t.Errorf("second Start() = %+v, want already open at %s", again, t0)
	}
}

func TestTracker_StopWithoutSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))

	for i := 0; i < 3; i++ {
		if res := env.tracker.Stop(ctx, "nobody"); res.WasOpen {
			t.Fatalf("Stop() = %+v, want was_open=false", res)
		}
	}
	if n := env.store.ledger.saveCount(); n != 0 {
		t.Errorf("ledger saved %d times, want 0", n)
	}
	if len(env.sink.Messages()) != 0 {
		t.Errorf("notices = %+v, want none", env.sink.Messages())
	}
}

func TestTracker_NoDoubleCountAcrossRestart(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 23, 30, 0, 0, ict)
	env := newTestEnv(t, t0)

	env.tracker.Start(ctx, "u1", "g1")

	// Process dies; a new one starts 20 minutes later.
	env.advance(20 * time.Minute)
	restarted := env.newTracker(t)
	recovered := restarted.Reconcile(ctx)
	if len(recovered) != 1 || recovered[0].Minutes != 20 || !recovered[0].StartedAt.Equal(t0) {
		t.Fatalf("Reconcile() = %+v", recovered)
	}
	if got := restarted.LedgerMinutes("u1", "2025-01-01"); got != 20 {
		t.Errorf("after reconcile 2025-01-01 = %v, want 20", got)
	}
	if _, open := restarted.Session("u1"); !open {
		t.Fatal("session closed by reconciliation")
	}

	// A second reconcile in the same process is a no-op.
	if again := restarted.Reconcile(ctx); len(again) != 0 {
		t.Errorf("second Reconcile() = %+v, want nothing", again)
	}

	env.advance(25 * time.Minute)
	res := restarted.Stop(ctx, "u1")
	if res.ElapsedMinutes != 45 {
		t.Errorf("ElapsedMinutes = %v, want 45 from the original start", res.ElapsedMinutes)
	}

	total := restarted.LedgerTotal("u1")
	if total != 45 {
		t.Errorf("ledger total = %v, want exactly 45", total)
	}
	if got := restarted.LedgerMinutes("u1", "2025-01-01"); got != 30 {
		t.Errorf("2025-01-01 = %v, want 30", got)
	}
	if got := restarted.LedgerMinutes("u1", "2025-01-02"); got != 15 {
		t.Errorf("2025-01-02 = %v, want 15", got)
	}

	duty := env.sink.On(notify.ChannelDuty)
	if len(duty) != 1 || !strings.Contains(duty[0], "since 23:30:00 2025-01-01") {
		t.Errorf("recovery notices = %q", duty)
	}
}

func TestTracker_ReconcileAcrossSeveralRestarts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 8, 0, 0, 0, ict))
	env.tracker.Start(ctx, "u1", "g1")

	var tr *Tracker
	for i := 0; i < 3; i++ {
		env.advance(10 * time.Minute)
		tr = env.newTracker(t)
		tr.Reconcile(ctx)
	}
	env.advance(10 * time.Minute)
	tr.Stop(ctx, "u1")

	if got := tr.LedgerTotal("u1"); got != 40 {
		t.Errorf("ledger total = %v, want 40", got)
	}
}

func TestTracker_ConcurrentStopAndForceStop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))

	for round := 0; round < 20; round++ {
		user := fmt.Sprintf("u%d", round)
		env.tracker.Start(ctx, user, "g1")

		var wg sync.WaitGroup
		results := make([]StopResult, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0] = env.tracker.Stop(ctx, user)
		}()
		go func() {
			defer wg.Done()
			results[1] = env.tracker.ForceStop(ctx, user)
		}()
		wg.Wait()

		if results[0].WasOpen == results[1].WasOpen {
			t.Fatalf("round %d: stop=%v force_stop=%v, want exactly one winner", round, results[0].WasOpen, results[1].WasOpen)
		}
	}
}

func TestTracker_OfflineClosesVisitAndSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 20, 0, 0, 0, ict))

	env.tracker.Start(ctx, "u1", "g1")
	env.tracker.HandlePresence(ctx, zonePresence("u1", "Porsche 911 Turbo S SASD"))
	if got := env.tracker.UsersInZone(); len(got) != 1 {
		t.Fatalf("UsersInZone() = %v, want u1", got)
	}

	// Going offline inside the cooldown window still closes the visit.
	env.advance(time.Minute)
	off := idlePresence("u1")
	off.Status = StatusOffline
	env.tracker.HandlePresence(ctx, off)

	if _, open := env.tracker.Session("u1"); open {
		t.Error("session still open after going offline")
	}
	if got := env.tracker.UsersInZone(); len(got) != 0 {
		t.Errorf("UsersInZone() = %v, want none", got)
	}
	visits := env.tracker.Visits("u1")
	if len(visits) != 1 || visits[0].Open() {
		t.Fatalf("visits = %+v, want one closed visit", visits)
	}
	if got := env.tracker.LedgerMinutes("u1", "2025-01-01"); got != 1 {
		t.Errorf("ledger = %v, want 1", got)
	}

	zoneNotices := env.sink.On(notify.ChannelZone)
	if len(zoneNotices) != 2 || !strings.Contains(zoneNotices[1], "after going offline") {
		t.Errorf("zone notices = %q", zoneNotices)
	}
	duty := env.sink.On(notify.ChannelDuty)
	if len(duty) != 1 || !strings.Contains(duty[0], "went offline") {
		t.Errorf("duty notices = %q", duty)
	}
}

func TestTracker_StopForciblyExitsZone(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 20, 0, 0, 0, ict))

	env.tracker.Start(ctx, "u1", "g1")
	env.tracker.HandlePresence(ctx, zonePresence("u1", "Sultan RS"))
	env.advance(10 * time.Second)
	env.tracker.ForceStop(ctx, "u1")

	if got := env.tracker.UsersInZone(); len(got) != 0 {
		t.Errorf("UsersInZone() = %v, want none", got)
	}
	persisted := env.store.activity.snapshot()["u1"]
	if persisted.InZone {
		t.Error("persisted activity still in zone")
	}
	visits := env.store.visits.snapshot()["u1"].Visits
	if len(visits) != 1 || visits[0].Open() || visits[0].Authorized {
		t.Errorf("persisted visits = %+v", visits)
	}
}

func TestTracker_OffDutyPresenceNotEvaluated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 20, 0, 0, 0, ict))

	env.tracker.HandlePresence(ctx, zonePresence("u1", "Sultan RS"))
	if got := env.tracker.UsersInZone(); len(got) != 0 {
		t.Errorf("off-duty user entered the zone: %v", got)
	}
	if len(env.sink.On(notify.ChannelZone)) != 0 {
		t.Error("zone notice posted for an off-duty user")
	}
}

func TestTracker_OfflineOffDutyLeavesZone(t *testing.T) {
	store := newMemStore()
	entry := time.Date(2025, 1, 1, 8, 0, 0, 0, ict)
	store.activity.data["u1"] = storage.ActivityRecord{InZone: true, ZoneEntryAt: &entry, LastNotifiedAt: &entry}
	store.visits.data["u1"] = storage.VisitHistory{Visits: []storage.Visit{{StartedAt: entry, Vehicle: "Sultan RS"}}}
	store.registry.data["u1"] = storage.RegistryEntry{GroupID: "g1"}

	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))
	env.store = store
	tr := env.newTracker(t)

	off := idlePresence("u1")
	off.Status = StatusOffline
	tr.HandlePresence(context.Background(), off)

	if got := tr.UsersInZone(); len(got) != 0 {
		t.Errorf("UsersInZone() = %v, want none", got)
	}
	if store.activity.snapshot()["u1"].InZone {
		t.Error("persisted activity still in zone")
	}
	visits := store.visits.snapshot()["u1"].Visits
	if len(visits) != 1 || visits[0].Open() {
		t.Fatalf("persisted visits = %+v, want one closed visit", visits)
	}
	zoneNotices := env.sink.On(notify.ChannelZone)
	if len(zoneNotices) != 1 || !strings.Contains(zoneNotices[0], "after going offline") {
		t.Errorf("zone notices = %q", zoneNotices)
	}
	if duty := env.sink.On(notify.ChannelDuty); len(duty) != 0 {
		t.Errorf("duty notices = %q, want none for an off-duty user", duty)
	}
}

func TestTracker_FlappingPresence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 20, 0, 0, 0, ict))
	env.tracker.Start(ctx, "u1", "g1")

	for i := 0; i <= 30; i++ {
		if i%2 == 0 {
			env.tracker.HandlePresence(ctx, zonePresence("u1", "Sultan RS"))
		} else {
			env.tracker.HandlePresence(ctx, idlePresence("u1"))
		}
		env.advance(10 * time.Second)
	}

	if got := len(env.sink.On(notify.ChannelZone)); got < 1 || got > 2 {
		t.Errorf("zone notices = %d, want one entry and at most one exit", got)
	}
	if got := len(env.tracker.Visits("u1")); got > 2 {
		t.Errorf("visits = %d", got)
	}
}

func TestTracker_AutoRegistration(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 20, 0, 0, 0, ict))

	env.tracker.HandlePresence(ctx, Presence{UserID: "u1", GroupID: "g1", Username: "Ann", Status: StatusOnline,
		Activities: []Activity{{Name: "FiveM"}}})
	env.tracker.HandlePresence(ctx, Presence{UserID: "u1", GroupID: "g1", Username: "Ann", Status: StatusOnline,
		Activities: []Activity{{Name: "FiveM"}}})
	env.tracker.HandlePresence(ctx, Presence{UserID: "u2", GroupID: "g1", Username: "Bob", Status: StatusOnline,
		Activities: []Activity{{Name: "Spotify"}}})

	reg := env.tracker.Registered()
	if reg["u1"] != "g1" {
		t.Errorf("u1 not registered: %v", reg)
	}
	if _, ok := reg["u2"]; ok {
		t.Error("u2 registered without a game activity")
	}
	duty := env.sink.On(notify.ChannelDuty)
	if len(duty) != 1 || !strings.HasPrefix(duty[0], "Ann ") {
		t.Errorf("duty notices = %q", duty)
	}
	if env.store.registry.snapshot()["u1"].GroupID != "g1" {
		t.Error("registry not persisted")
	}
}

func TestTracker_RegisterGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 20, 0, 0, 0, ict))
	env.tracker.Register(ctx, "u1", "g0")

	if n := env.tracker.RegisterGroup(ctx, "g1", []string{"u1", "u2", "u3"}); n != 2 {
		t.Errorf("RegisterGroup() = %d, want 2", n)
	}
	reg := env.tracker.Registered()
	if reg["u1"] != "g0" || reg["u2"] != "g1" || reg["u3"] != "g1" {
		t.Errorf("registry = %v", reg)
	}
	if n := env.store.registry.saveCount(); n != 2 {
		t.Errorf("registry saved %d times, want 2", n)
	}
}

func TestTracker_WriteFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))

	env.store.sessions.failSaves(errors.New("disk full"))
	env.store.ledger.failSaves(errors.New("disk full"))

	if res := env.tracker.Start(ctx, "u1", "g1"); res.AlreadyOpen {
		t.Fatalf("Start() = %+v", res)
	}
	if _, open := env.tracker.Session("u1"); !open {
		t.Fatal("in-memory session lost after a failed write")
	}

	env.advance(30 * time.Minute)
	res := env.tracker.Stop(ctx, "u1")
	if !res.WasOpen || env.tracker.LedgerMinutes("u1", "2025-01-01") != 30 {
		t.Fatalf("Stop() = %+v, ledger = %v", res, env.tracker.LedgerMinutes("u1", "2025-01-01"))
	}

	// The next successful whole-table write carries the earlier mutation.
	env.store.ledger.failSaves(nil)
	if _, err := env.tracker.Adjust(ctx, "u2", "2025-01-01", 5, Add); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	persisted := env.store.ledger.snapshot()
	if persisted["u1"].DailyOnline["2025-01-01"] != 30 {
		t.Errorf("persisted ledger = %+v, want u1 carried over", persisted)
	}
}

func TestTracker_LoadMalformedTable(t *testing.T) {
	store := newMemStore()
	store.ledger.loadErr = fmt.Errorf("%w: playtime.json: unexpected EOF", storage.ErrMalformed)
	store.sessions.data["u1"] = storage.SessionRecord{StartedAt: time.Date(2025, 1, 1, 8, 0, 0, 0, ict)}

	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))
	env.store = store
	tr := env.newTracker(t)

	if got := tr.LedgerTotal("u1"); got != 0 {
		t.Errorf("ledger total = %v, want empty ledger", got)
	}
	if _, open := tr.Session("u1"); !open {
		t.Error("other tables not loaded")
	}
}

func TestTracker_LoadIOError(t *testing.T) {
	store := newMemStore()
	store.visits.loadErr = errors.New("connection refused")

	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))
	tr := New(store, env.clock, env.sink, env.dir, Config{Location: ict}, env.tracker.logger)
	if err := tr.Load(context.Background()); err == nil {
		t.Fatal("Load() succeeded despite an I/O error")
	}
}

func TestTracker_LoadRepairsAndFilters(t *testing.T) {
	store := newMemStore()
	entry := time.Date(2025, 1, 1, 8, 0, 0, 0, ict)
	store.activity.data["u1"] = storage.ActivityRecord{InZone: true, ZoneEntryAt: &entry, LastNotifiedAt: &entry}
	store.registry.data["u1"] = storage.RegistryEntry{GroupID: "g1"}
	store.registry.data["u2"] = storage.RegistryEntry{}

	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))
	env.store = store
	tr := env.newTracker(t)

	visits := store.visits.snapshot()["u1"].Visits
	if len(visits) != 1 || !visits[0].Open() || !visits[0].StartedAt.Equal(entry) {
		t.Errorf("repaired visits = %+v", visits)
	}
	if _, ok := tr.Registered()["u2"]; ok {
		t.Error("registry entry without group survived load")
	}
	if _, ok := store.registry.snapshot()["u2"]; ok {
		t.Error("filtered registry not persisted")
	}
}

func TestTracker_Queries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 7, 9, 0, 0, 0, ict))

	env.tracker.Start(ctx, "u2", "g1")
	env.advance(time.Minute)
	env.tracker.Start(ctx, "u1", "g1")
	env.advance(time.Minute)

	open := env.tracker.OpenSessions()
	if len(open) != 2 || open[0].UserID != "u2" || open[0].ElapsedMinutes != 2 {
		t.Errorf("OpenSessions() = %+v", open)
	}

	for _, d := range []string{"2024-12-31", "2025-01-01", "2025-01-06"} {
		if _, err := env.tracker.Adjust(ctx, "u1", d, 10, Add); err != nil {
			t.Fatalf("Adjust(%s) error = %v", d, err)
		}
	}
	recent := env.tracker.RecentHistory("u1", 7)
	if len(recent) != 2 || recent[0].Date != "2025-01-01" {
		t.Errorf("RecentHistory() = %+v", recent)
	}
	if got := env.tracker.LedgerTotal("u1"); got != 30 {
		t.Errorf("LedgerTotal() = %v", got)
	}
}
