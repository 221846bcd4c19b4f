package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client *redis.Client
	prefix string
	lock   *storeLock
}

// Options controls how the store is opened.
type Options struct {
	// ReadOnly skips the exclusive lock on the key prefix. Saves still work
	// but are intended only for tooling that knows the server is stopped.
	ReadOnly bool
}

// Open creates a new Redis-backed storage instance. Unless opts.ReadOnly is
// set it claims the prefix's lock key and fails with ErrLocked when another
// process holds it.
func Open(cfg config.RedisConfig, opts Options) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dutywatch"
	}

	s := &Store{client: client, prefix: prefix}
	if opts.ReadOnly {
		return s, nil
	}

	lock, err := acquireLock(ctx, client, s.key("lock"))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.lock = lock

	return s, nil
}

// Close releases the lock and closes the Redis connection
func (s *Store) Close() error {
	var lockErr error
	if s.lock != nil {
		lockErr = s.lock.release()
	}
	if err := s.client.Close(); err != nil {
		return err
	}
	return lockErr
}

// Sessions returns the open-session table
func (s *Store) Sessions() storage.Table[storage.SessionRecord] {
	return newHashTable[storage.SessionRecord](s, storage.TableSessions)
}

// Activity returns the zone-state table
func (s *Store) Activity() storage.Table[storage.ActivityRecord] {
	return newHashTable[storage.ActivityRecord](s, storage.TableActivity)
}

// Ledger returns the daily ledger table
func (s *Store) Ledger() storage.Table[storage.LedgerRecord] {
	return newHashTable[storage.LedgerRecord](s, storage.TableLedger)
}

// Visits returns the zone visit history table
func (s *Store) Visits() storage.Table[storage.VisitHistory] {
	return newHashTable[storage.VisitHistory](s, storage.TableVisits)
}

// Registry returns the user registry table
func (s *Store) Registry() storage.Table[storage.RegistryEntry] {
	return newHashTable[storage.RegistryEntry](s, storage.TableRegistry)
}

func (s *Store) key(table string) string {
	return s.prefix + ":" + table
}

// Ping checks the connection, for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
