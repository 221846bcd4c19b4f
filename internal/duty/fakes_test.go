package duty

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/storage"
	"github.com/goodtune/dutywatch/internal/zone"
	"github.com/rs/zerolog"
)

var ict = time.FixedZone("ICT", 7*60*60)

type memTable[T any] struct {
	mu      sync.Mutex
	name    string
	data    map[string]T
	saves   int
	saveErr error
	loadErr error
}

func newMemTable[T any](name string) *memTable[T] {
	return &memTable[T]{name: name, data: make(map[string]T)}
}

func (m *memTable[T]) Name() string { return m.name }

func (m *memTable[T]) Load(context.Context) (map[string]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return storage.CloneMap(m.data), nil
}

func (m *memTable[T]) Save(_ context.Context, records map[string]T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.data = storage.CloneMap(records)
	return nil
}

func (m *memTable[T]) snapshot() map[string]T {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.CloneMap(m.data)
}

func (m *memTable[T]) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memTable[T]) failSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

type memStore struct {
	sessions *memTable[storage.SessionRecord]
	activity *memTable[storage.ActivityRecord]
	ledger   *memTable[storage.LedgerRecord]
	visits   *memTable[storage.VisitHistory]
	registry *memTable[storage.RegistryEntry]
}

func newMemStore() *memStore {
	return &memStore{
		sessions: newMemTable[storage.SessionRecord](storage.TableSessions),
		activity: newMemTable[storage.ActivityRecord](storage.TableActivity),
		ledger:   newMemTable[storage.LedgerRecord](storage.TableLedger),
		visits:   newMemTable[storage.VisitHistory](storage.TableVisits),
		registry: newMemTable[storage.RegistryEntry](storage.TableRegistry),
	}
}

func (s *memStore) Close() error                                    { return nil }
func (s *memStore) Sessions() storage.Table[storage.SessionRecord]  { return s.sessions }
func (s *memStore) Activity() storage.Table[storage.ActivityRecord] { return s.activity }
func (s *memStore) Ledger() storage.Table[storage.LedgerRecord]     { return s.ledger }
func (s *memStore) Visits() storage.Table[storage.VisitHistory]     { return s.visits }
func (s *memStore) Registry() storage.Table[storage.RegistryEntry]  { return s.registry }

type fakeDirectory struct {
	mu           sync.Mutex
	names        map[string]string
	presences    map[string]Presence
	unresolvable map[string]bool
	presenceHits int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		names:        make(map[string]string),
		presences:    make(map[string]Presence),
		unresolvable: make(map[string]bool),
	}
}

func (d *fakeDirectory) DisplayName(_ context.Context, userID, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unresolvable[userID] {
		return "", ErrUnresolvable
	}
	if n, ok := d.names[userID]; ok {
		return n, nil
	}
	return userID, nil
}

func (d *fakeDirectory) Presence(_ context.Context, userID, groupID string) (Presence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presenceHits++
	if d.unresolvable[userID] {
		return Presence{}, ErrUnresolvable
	}
	p, ok := d.presences[userID]
	if !ok {
		return Presence{UserID: userID, GroupID: groupID, Status: StatusOnline}, nil
	}
	return p, nil
}

func (d *fakeDirectory) setPresence(p Presence) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presences[p.UserID] = p
}

func (d *fakeDirectory) hits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.presenceHits
}

type testEnv struct {
	store   *memStore
	clock   *quartz.Mock
	sink    *notify.Recorder
	dir     *fakeDirectory
	tracker *Tracker
}

func newTestEnv(t *testing.T, start time.Time) *testEnv {
	t.Helper()
	env := &testEnv{
		store: newMemStore(),
		clock: quartz.NewMock(t),
		sink:  &notify.Recorder{},
		dir:   newFakeDirectory(),
	}
	env.clock.Set(start).MustWait(context.Background())
	env.tracker = env.newTracker(t)
	return env
}

// newTracker builds a fresh tracker over the env's store, as a restart would.
func (e *testEnv) newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := New(e.store, e.clock, e.sink, e.dir, Config{
		Location:  ict,
		ZoneName:  "Vinewood Park Dr",
		Allowlist: zone.NewAllowlist(zone.DefaultAuthorizedVehicles...),
	}, zerolog.Nop())
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return tr
}

func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d).MustWait(context.Background())
}

func zonePresence(userID, vehicle string) Presence {
	return Presence{
		UserID:   userID,
		GroupID:  "g1",
		Username: "user-" + userID,
		Status:   StatusOnline,
		Activities: []Activity{{
			Name:  "GTA5VN.NET",
			State: "Đang lái bên trong xe " + vehicle + " tại Vinewood Park Dr",
		}},
	}
}

func idlePresence(userID string) Presence {
	return Presence{
		UserID:     userID,
		GroupID:    "g1",
		Username:   "user-" + userID,
		Status:     StatusOnline,
		Activities: []Activity{{Name: "GTA5VN.NET", State: "Đang đi bộ"}},
	}
}
