package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockTTL is how long a holder's claim survives without a refresh.
const LockTTL = 30 * time.Second

// ErrLocked is returned by Open when another process holds the store lock.
var ErrLocked = errors.New("redis store is in use by another process")

const (
	// refreshLockScript extends the lock only while we still own it
	refreshLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

	// releaseLockScript deletes the lock only while we still own it
	releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`
)

// storeLock is an exclusive claim on a key prefix, kept alive by a
// background refresh until release.
type storeLock struct {
	client *redis.Client
	key    string
	owner  string

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func acquireLock(ctx context.Context, client *redis.Client, key string) (*storeLock, error) {
	host, _ := os.Hostname()
	owner := fmt.Sprintf("%s:%d:%d", host, os.Getpid(), time.Now().UnixNano())

	ok, err := client.SetNX(ctx, key, owner, LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !ok {
		holder, _ := client.Get(ctx, key).Result()
		return nil, fmt.Errorf("%w (lock %s held by %s)", ErrLocked, key, holder)
	}

	l := &storeLock{
		client: client,
		key:    key,
		owner:  owner,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.refresh()
	return l, nil
}

func (l *storeLock) refresh() {
	defer close(l.done)

	ticker := time.NewTicker(LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), LockTTL/3)
			_ = l.client.Eval(ctx, refreshLockScript, []string{l.key}, l.owner, LockTTL.Milliseconds()).Err()
			cancel()
		}
	}
}

// release stops the refresh and deletes the key if we still own it.
func (l *storeLock) release() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e := l.client.Eval(ctx, releaseLockScript, []string{l.key}, l.owner).Err(); e != nil {
			err = fmt.Errorf("failed to release store lock: %w", e)
		}
	})
	return err
}
