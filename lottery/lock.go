package lottery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/eventlot/eventlot/store"
)

// Locker guards against concurrent draws on the same event. Acquire returns
// Conflict when the lock is already held.
type Locker interface {
	Acquire(ctx context.Context, eventID string) (release func(), err error)
}

// DefaultLockTTL bounds how long a crashed holder can block subsequent draws.
const DefaultLockTTL = time.Minute

// RedisLocker is a redis-backed draw lock: SET NX PX lease keyed by event
// ID, with ownership-checked release so an expired holder cannot delete a
// successor's lock.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker returns a RedisLocker with the given lease TTL (DefaultLockTTL
// when ttl <= 0).
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Acquire takes the per-event lease.
func (l *RedisLocker) Acquire(ctx context.Context, eventID string) (func(), error) {
	key := "drawlock:" + eventID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, store.E(store.KindUnavailable, "lottery.lock", err)
	}
	if !ok {
		return nil, store.Errorf(store.KindConflict, "a draw is already running for event %s", eventID)
	}
	return func() {
		// Best effort; the TTL reclaims the lease if the release is lost.
		_, _ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Result()
	}, nil
}

// LocalLocker is a process-local draw lock for single-node deployments and
// tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// Acquire takes the per-event lock.
func (l *LocalLocker) Acquire(ctx context.Context, eventID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[eventID]; ok {
		return nil, store.Errorf(store.KindConflict, "a draw is already running for event %s", eventID)
	}
	l.held[eventID] = struct{}{}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, eventID)
	}, nil
}
