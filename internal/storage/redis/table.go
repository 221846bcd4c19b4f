package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/dutywatch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// hashTable stores one table as a single Redis hash: field = user ID,
// value = JSON-encoded record.
type hashTable[T any] struct {
	client *redis.Client
	name   string
	key    string
}

func newHashTable[T any](s *Store, name string) *hashTable[T] {
	return &hashTable[T]{client: s.client, name: name, key: s.key(name)}
}

func (t *hashTable[T]) Name() string { return t.name }

func (t *hashTable[T]) Load(ctx context.Context) (map[string]T, error) {
	data, err := t.client.HGetAll(ctx, t.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", t.name, err)
	}

	records := make(map[string]T, len(data))
	for id, raw := range data {
		var rec T
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("%w: %s field %s: %v", storage.ErrMalformed, t.key, id, err)
		}
		records[id] = rec
	}
	return records, nil
}

// Save replaces the whole hash in a single MULTI/EXEC.
func (t *hashTable[T]) Save(ctx context.Context, records map[string]T) error {
	fields := make(map[string]interface{}, len(records))
	for id, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal %s record %s: %w", t.name, id, err)
		}
		fields[id] = string(raw)
	}

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, t.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, t.key, fields)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", t.name, err)
	}
	return nil
}
