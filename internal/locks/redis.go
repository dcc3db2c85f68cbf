// Package locks implements the distributed mutex (C1) used to serialize
// concurrent get-or-create attempts against the same sandbox across every
// server instance, backed by Redis.
package locks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release/Extend when the lock token does not
// match the holder recorded in Redis (already expired, or held by someone
// else).
var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the key only if its value still matches the token
// presented, so a lock holder can never release a lease it lost to expiry
// and that another server has since acquired. Extend applies the same token
// check before pushing out the expiry.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Locker acquires and releases named distributed locks.
type Locker struct {
	client *redis.Client
}

// NewLocker creates a Locker backed by the given Redis client.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock represents a held lease; call Release when done with it.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Key builds the Redis key for a sandbox lock scoped by challenge and,
// for per-player challenges, by user.
func Key(challengeID, userID string) string {
	if userID == "" {
		return fmt.Sprintf("lock:sandbox:%s", challengeID)
	}
	return fmt.Sprintf("lock:sandbox:%s:%s", challengeID, userID)
}

// Acquire attempts to take the named lock, retrying on a short poll
// interval until ctx is done. The lease expires after ttl even if the
// holder crashes before releasing it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate lock token: %w", err)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{locker: l, key: key, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Release deletes the lock if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) error {
	res, err := lk.locker.client.Eval(ctx, releaseScript, []string{lk.key}, lk.token).Int64()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend pushes the lease's expiry out by ttl, used by long-running holders
// that need more time than the original grant.
func (lk *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	const extendScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`
	res, err := lk.locker.client.Eval(ctx, extendScript, []string{lk.key}, lk.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", lk.key, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// NewClient builds a go-redis client and verifies connectivity with PING.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	return client, nil
}
