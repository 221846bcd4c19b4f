// Package duty owns every piece of mutable accounting state: open sessions,
// the daily ledger, zone state, visit history and the user registry.
//
// All mutations run under one lock and persist the affected tables before
// the lock is released. Notices produced by a mutation are queued and posted
// after the lock is dropped, so a slow chat backend never stalls accounting.
package duty

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/dutywatch/internal/ledger"
	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/report"
	"github.com/goodtune/dutywatch/internal/storage"
	"github.com/goodtune/dutywatch/internal/zone"
	"github.com/rs/zerolog"
)

// Config holds tracker configuration
type Config struct {
	// Location is the calendar every date bucket is computed in.
	Location *time.Location
	// ZoneName is used in notices.
	ZoneName string
	// Classifier decides whether a presence text is inside the zone.
	Classifier zone.Classifier
	// Allowlist holds the authorized vehicles.
	Allowlist *zone.Allowlist
	// GameKeywords trigger automatic registration (lowercase substrings).
	GameKeywords []string
}

// Tracker is the owned state container.
type Tracker struct {
	mu sync.RWMutex

	store  storage.Store
	clock  quartz.Clock
	sink   notify.Sink
	dir    Directory
	logger zerolog.Logger

	loc          *time.Location
	zoneName     string
	classifier   zone.Classifier
	gameKeywords []string

	sessions map[string]storage.SessionRecord
	ledger   *ledger.Ledger
	zones    *zone.Tracker
	registry map[string]storage.RegistryEntry

	reconciled bool
	outbox     []notice
}

// notice is a queued notification. The display name is resolved when the
// outbox is flushed unless name is already known.
type notice struct {
	channel notify.Channel
	userID  string
	groupID string
	name    string
	render  func(name string) string
}

// New creates a tracker. Call Load before anything else.
func New(store storage.Store, clock quartz.Clock, sink notify.Sink, dir Directory, cfg Config, logger zerolog.Logger) *Tracker {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Classifier == nil {
		cfg.Classifier = zone.NewPhraseClassifier(zone.DefaultGrammar())
	}
	if cfg.ZoneName == "" {
		cfg.ZoneName = zone.DefaultGrammar().LocationMarker
	}
	if cfg.GameKeywords == nil {
		cfg.GameKeywords = DefaultGameKeywords
	}
	keywords := make([]string, 0, len(cfg.GameKeywords))
	for _, k := range cfg.GameKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}

	return &Tracker{
		store:        store,
		clock:        clock,
		sink:         sink,
		dir:          dir,
		logger:       logger.With().Str("component", "duty-tracker").Logger(),
		loc:          cfg.Location,
		zoneName:     cfg.ZoneName,
		classifier:   cfg.Classifier,
		gameKeywords: keywords,
		sessions:     make(map[string]storage.SessionRecord),
		ledger:       ledger.New(),
		zones:        zone.NewTracker(cfg.Allowlist),
		registry:     make(map[string]storage.RegistryEntry),
	}
}

// Location returns the tracker's calendar.
func (t *Tracker) Location() *time.Location { return t.loc }

// ZoneName returns the zone name used in notices.
func (t *Tracker) ZoneName() string { return t.zoneName }

// Load reads all five tables. A malformed table is replaced by an empty one
// and logged; any other read failure is returned. Zone state is repaired
// against the visit history and registry entries without a group are
// dropped; repaired tables are written back.
func (t *Tracker) Load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, err := loadTable(ctx, t, t.store.Sessions())
	if err != nil {
		return err
	}
	ledgerRecords, err := loadTable(ctx, t, t.store.Ledger())
	if err != nil {
		return err
	}
	activity, err := loadTable(ctx, t, t.store.Activity())
	if err != nil {
		return err
	}
	visits, err := loadTable(ctx, t, t.store.Visits())
	if err != nil {
		return err
	}
	registry, err := loadTable(ctx, t, t.store.Registry())
	if err != nil {
		return err
	}

	t.sessions = sessions
	t.ledger = ledger.FromRecords(ledgerRecords)

	repairs := t.zones.Restore(activity, visits, t.clock.Now())
	for _, r := range repairs {
		t.logger.Warn().Str("user_id", r.UserID).Msg("Repaired zone state: " + r.Action)
	}
	if len(repairs) > 0 {
		t.saveZones(ctx)
	}

	pruned := 0
	t.registry = make(map[string]storage.RegistryEntry, len(registry))
	for user, entry := range registry {
		if entry.GroupID == "" {
			pruned++
			continue
		}
		t.registry[user] = entry
	}
	if pruned > 0 {
		t.logger.Info().Int("count", pruned).Msg("Dropped registry entries without a group")
		t.saveRegistry(ctx)
	}

	metrics.SessionsOpen.Set(float64(len(t.sessions)))

	t.logger.Info().
		Int("sessions", len(t.sessions)).
		Int("ledger_users", len(t.ledger.Users())).
		Int("registered", len(t.registry)).
		Int("in_zone", len(t.zones.UsersInZone())).
		Msg("Loaded persisted state")

	return nil
}

func loadTable[T any](ctx context.Context, t *Tracker, table storage.Table[T]) (map[string]T, error) {
	records, err := table.Load(ctx)
	if errors.Is(err, storage.ErrMalformed) {
		metrics.StoreLoadFailures.WithLabelValues(table.Name()).Inc()
		t.logger.Error().Err(err).Str("table", table.Name()).Msg("Persisted table is malformed, starting from empty")
		return make(map[string]T), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", table.Name(), err)
	}
	if records == nil {
		records = make(map[string]T)
	}
	return records, nil
}

// saveTable replaces a table. A failure is logged and counted; the in-memory
// state stays as it is so the next write carries it.
func saveTable[T any](ctx context.Context, t *Tracker, table storage.Table[T], records map[string]T) {
	if err := table.Save(context.WithoutCancel(ctx), records); err != nil {
		metrics.StoreWriteFailures.WithLabelValues(table.Name()).Inc()
		t.logger.Error().Err(err).Str("table", table.Name()).Msg("Failed to persist table")
	}
}

func (t *Tracker) saveSessions(ctx context.Context) {
	saveTable(ctx, t, t.store.Sessions(), storage.CloneMap(t.sessions))
	metrics.SessionsOpen.Set(float64(len(t.sessions)))
}

func (t *Tracker) saveLedger(ctx context.Context) {
	saveTable(ctx, t, t.store.Ledger(), t.ledger.Records())
}

func (t *Tracker) saveZones(ctx context.Context) {
	saveTable(ctx, t, t.store.Activity(), t.zones.States())
	saveTable(ctx, t, t.store.Visits(), t.zones.Visits())
}

func (t *Tracker) saveRegistry(ctx context.Context) {
	saveTable(ctx, t, t.store.Registry(), storage.CloneMap(t.registry))
}

// mutate runs fn under the write lock and flushes any notices it queued
// once the lock is released.
func (t *Tracker) mutate(ctx context.Context, fn func()) {
	t.mu.Lock()
	fn()
	out := t.outbox
	t.outbox = nil
	t.mu.Unlock()

	t.flush(ctx, out)
}

func (t *Tracker) enqueue(channel notify.Channel, userID, name string, render func(name string) string) {
	t.outbox = append(t.outbox, notice{
		channel: channel,
		userID:  userID,
		groupID: t.registry[userID].GroupID,
		name:    name,
		render:  render,
	})
}

func (t *Tracker) enqueueLedgerChanges(userID string, changes []ledger.Change) {
	if len(changes) == 0 {
		return
	}
	t.enqueue(notify.ChannelLedger, userID, "", func(name string) string {
		named := make([]report.NamedChange, 0, len(changes))
		for _, c := range changes {
			named = append(named, report.NamedChange{Name: name, Change: c})
		}
		return report.LedgerChanges(named)
	})
}

func (t *Tracker) enqueueZone(tr *zone.Transition, offline bool, name string) {
	if tr == nil {
		return
	}
	event := *tr
	zoneName := t.zoneName
	loc := t.loc
	t.enqueue(notify.ChannelZone, tr.UserID, name, func(name string) string {
		return report.ZoneTransition(name, zoneName, event, offline, loc)
	})
}

func (t *Tracker) flush(ctx context.Context, out []notice) {
	for _, n := range out {
		name := n.name
		if name == "" && n.userID != "" {
			name = t.displayName(ctx, n.userID, n.groupID)
		}
		notify.Post(ctx, t.sink, t.logger, n.channel, n.render(name))
	}
}

// displayName resolves a user's name, falling back to the user ID.
func (t *Tracker) displayName(ctx context.Context, userID, groupID string) string {
	if t.dir == nil || groupID == "" {
		return userID
	}
	name, err := t.dir.DisplayName(ctx, userID, groupID)
	if err != nil || name == "" {
		if err != nil && !errors.Is(err, ErrUnresolvable) {
			t.logger.Debug().Err(err).Str("user_id", userID).Msg("Failed to resolve display name")
		}
		return userID
	}
	return name
}

// DisplayName resolves a user's name through the directory using the group
// recorded in the registry. Unknown users resolve to their ID.
func (t *Tracker) DisplayName(ctx context.Context, userID string) string {
	t.mu.RLock()
	group := t.registry[userID].GroupID
	t.mu.RUnlock()
	return t.displayName(ctx, userID, group)
}

// register adds user to the registry when absent. It reports whether the
// registry changed. Caller holds the write lock.
func (t *Tracker) register(userID, groupID string) bool {
	if groupID == "" {
		return false
	}
	if _, ok := t.registry[userID]; ok {
		return false
	}
	t.registry[userID] = storage.RegistryEntry{GroupID: groupID}
	t.logger.Info().Str("user_id", userID).Str("group_id", groupID).Msg("Registered user")
	return true
}

func sortedUsers[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
