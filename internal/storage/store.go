package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrMalformed is returned when a table exists but cannot be decoded.
var ErrMalformed = errors.New("storage: malformed table")

// Store represents the root storage interface.
// Every table is a whole-table overwrite on Save; there are no partial writes.
type Store interface {
	Close() error
	Sessions() Table[SessionRecord]
	Activity() Table[ActivityRecord]
	Ledger() Table[LedgerRecord]
	Visits() Table[VisitHistory]
	Registry() Table[RegistryEntry]
}

// Table is a persisted mapping from user ID to a record.
type Table[T any] interface {
	// Name identifies the table in logs and metrics.
	Name() string
	// Load returns every record. A missing table loads as an empty map.
	Load(ctx context.Context) (map[string]T, error)
	// Save replaces the table with records.
	Save(ctx context.Context, records map[string]T) error
}

// Table names shared by the backends.
const (
	TableSessions = "online_times"
	TableActivity = "activity"
	TableLedger   = "playtime"
	TableVisits   = "zone_activity"
	TableRegistry = "user_mapping"
)
