package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test",
	}

	store, err := Open(cfg, Options{})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func testConfig(mr *miniredis.Miniredis) config.RedisConfig {
	return config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
		KeyPrefix:    "test",
	}
}

func TestHashTable_MissingLoadsEmpty(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	got, err := store.Ledger().Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty table, got %v", got)
	}
}

func TestHashTable_SaveLoad(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	ledger := map[string]storage.LedgerRecord{
		"u1": {DailyOnline: map[string]float64{"2025-01-01": 30, "2025-01-02": 15}},
		"u2": {DailyOnline: map[string]float64{"2025-01-02": 7.5}},
	}

	if err := store.Ledger().Save(ctx, ledger); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if !mr.Exists("test:playtime") {
		t.Fatal("Expected hash test:playtime to exist")
	}

	got, err := store.Ledger().Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(got))
	}
	if got["u1"].DailyOnline["2025-01-01"] != 30 {
		t.Errorf("Expected 30 minutes, got %v", got["u1"].DailyOnline["2025-01-01"])
	}
	if got["u2"].DailyOnline["2025-01-02"] != 7.5 {
		t.Errorf("Expected 7.5 minutes, got %v", got["u2"].DailyOnline["2025-01-02"])
	}
}

func TestHashTable_SaveReplaces(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	start := time.Date(2025, 1, 1, 16, 30, 0, 0, time.UTC)

	if err := store.Sessions().Save(ctx, map[string]storage.SessionRecord{
		"u1": {StartedAt: start},
		"u2": {StartedAt: start},
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Sessions().Save(ctx, map[string]storage.SessionRecord{
		"u2": {StartedAt: start, CreditedThrough: start.Add(time.Hour)},
	}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Sessions().Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, ok := got["u1"]; ok {
		t.Error("Expected u1 to be removed")
	}
	if !got["u2"].CreditedThrough.Equal(start.Add(time.Hour)) {
		t.Errorf("Expected credited_through %s, got %s", start.Add(time.Hour), got["u2"].CreditedThrough)
	}

	// An empty save clears the table
	if err := store.Sessions().Save(ctx, nil); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err = store.Sessions().Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected empty table, got %v", got)
	}
}

func TestHashTable_Malformed(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("test:activity", "u1", "{broken")

	_, err := store.Activity().Load(context.Background())
	if !errors.Is(err, storage.ErrMalformed) {
		t.Fatalf("Expected ErrMalformed, got %v", err)
	}
}

func TestHashTable_LegacySession(t *testing.T) {
	store, mr := setupTestStore(t)
	defer func() { _ = store.Close() }()

	mr.HSet("test:online_times", "u1", `"2025-01-01T23:30:00+07:00"`)

	got, err := store.Sessions().Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := time.Date(2025, 1, 1, 16, 30, 0, 0, time.UTC)
	if !got["u1"].StartedAt.Equal(want) {
		t.Errorf("Expected start %s, got %s", want, got["u1"].StartedAt)
	}
}

func TestOpen_InvalidTimeout(t *testing.T) {
	mr := miniredis.RunT(t)

	_, err := Open(config.RedisConfig{
		Host:         mr.Addr(),
		DialTimeout:  "soon",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}, Options{})
	if err == nil {
		t.Fatal("Expected error for invalid dial_timeout")
	}
}

func TestPing(t *testing.T) {
	s, mr := setupTestStore(t)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	mr.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping() after server close should fail")
	}
}

func TestOpen_RefusesWhileLocked(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)

	server, err := Open(cfg, Options{})
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if !mr.Exists("test:lock") {
		t.Fatal("Expected lock key test:lock to be set")
	}
	if ttl := mr.TTL("test:lock"); ttl <= 0 || ttl > LockTTL {
		t.Errorf("lock TTL = %v, want within (0, %v]", ttl, LockTTL)
	}

	if _, err := Open(cfg, Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open() error = %v, want ErrLocked", err)
	}

	// Read-only tooling may still look at a live store.
	ro, err := Open(cfg, Options{ReadOnly: true})
	if err != nil {
		t.Fatalf("read-only Open() error = %v", err)
	}
	if err := ro.Close(); err != nil {
		t.Fatalf("read-only Close() error = %v", err)
	}
	if !mr.Exists("test:lock") {
		t.Fatal("read-only Close() released the holder's lock")
	}

	if err := server.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if mr.Exists("test:lock") {
		t.Fatal("Expected Close() to release the lock")
	}

	again, err := Open(cfg, Options{})
	if err != nil {
		t.Fatalf("Open() after release error = %v", err)
	}
	_ = again.Close()
}

func TestOpen_ExpiredLockIsReclaimed(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)

	// A holder that died without releasing.
	if err := mr.Set("test:lock", "dead-host:1:1"); err != nil {
		t.Fatal(err)
	}
	mr.SetTTL("test:lock", LockTTL)

	if _, err := Open(cfg, Options{}); !errors.Is(err, ErrLocked) {
		t.Fatalf("Open() error = %v, want ErrLocked", err)
	}

	mr.FastForward(LockTTL + time.Second)

	s, err := Open(cfg, Options{})
	if err != nil {
		t.Fatalf("Open() after expiry error = %v", err)
	}
	defer s.Close()
}

func TestClose_KeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)

	s, err := Open(cfg, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// The lock expired and someone else took it over.
	if err := mr.Set("test:lock", "other"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got, _ := mr.Get("test:lock"); got != "other" {
		t.Errorf("lock owner = %q, want other", got)
	}
}
