// Package file implements storage.Store as one JSON document per table in a
// data directory. Saves write a new file and rename it over the old one.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goodtune/dutywatch/internal/storage"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const lockFileName = ".dutywatch.lock"

// Options controls how a data directory is opened.
type Options struct {
	// ReadOnly skips the exclusive directory lock. Saves still work but are
	// intended only for tooling that knows the server is stopped.
	ReadOnly bool
}

// Store implements the storage.Store interface on top of a directory.
type Store struct {
	dir  string
	lock *flock.Flock
}

// Open opens (creating if needed) a file-backed store rooted at dir.
func Open(dir string, opts Options) (*Store, error) {
	if err := storage.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{dir: dir}
	if opts.ReadOnly {
		return s, nil
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data directory %s is in use by another process", dir)
	}
	s.lock = lock

	return s, nil
}

// Close releases the directory lock.
func (s *Store) Close() error {
	if s.lock == nil {
		return nil
	}
	return s.lock.Unlock()
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// Sessions returns the open-session table.
func (s *Store) Sessions() storage.Table[storage.SessionRecord] {
	return newTable[storage.SessionRecord](s.dir, storage.TableSessions)
}

// Activity returns the zone-state table.
func (s *Store) Activity() storage.Table[storage.ActivityRecord] {
	return newTable[storage.ActivityRecord](s.dir, storage.TableActivity)
}

// Ledger returns the daily ledger table.
func (s *Store) Ledger() storage.Table[storage.LedgerRecord] {
	return newTable[storage.LedgerRecord](s.dir, storage.TableLedger)
}

// Visits returns the zone visit history table.
func (s *Store) Visits() storage.Table[storage.VisitHistory] {
	return newTable[storage.VisitHistory](s.dir, storage.TableVisits)
}

// Registry returns the user registry table.
func (s *Store) Registry() storage.Table[storage.RegistryEntry] {
	return newTable[storage.RegistryEntry](s.dir, storage.TableRegistry)
}

type table[T any] struct {
	name string
	path string
}

func newTable[T any](dir, name string) *table[T] {
	return &table[T]{name: name, path: filepath.Join(dir, name+".json")}
}

func (t *table[T]) Name() string { return t.name }

func (t *table[T]) Load(ctx context.Context) (map[string]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]T), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return make(map[string]T), nil
	}

	records := make(map[string]T)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrMalformed, t.path, err)
	}
	return records, nil
}

func (t *table[T]) Save(ctx context.Context, records map[string]T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if records == nil {
		records = make(map[string]T)
	}

	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", t.name, err)
	}
	if err := atomic.WriteFile(t.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", t.path, err)
	}
	return nil
}
