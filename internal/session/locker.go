package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeyLocker serializes work on a single session key. Locks on different
// keys never block each other.
type KeyLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned func
	// releases the lock and is safe to call once.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is an in-process KeyLocker backed by one channel semaphore
// per key. Entries are dropped when no goroutine holds or waits on them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewMemoryLocker creates a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires the per-key semaphore.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl)
		return nil, fmt.Errorf("session: lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(key, kl)
		})
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock) {
	l.mu.Lock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// held returns the number of keys with holders or waiters.
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// redisLockClient is the subset of the go-redis client the locker uses.
type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// releaseScript deletes the lock only if it still carries our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const (
	defaultLockTTL    = 2 * time.Minute
	defaultRetryEvery = 50 * time.Millisecond
	redisKeyPrefix    = "chorus:session-lock:"
)

// RedisLocker is a KeyLocker shared by every chorus process that points at
// the same Redis. Locks expire after TTL so a crashed holder cannot wedge a
// key forever.
type RedisLocker struct {
	client     redisLockClient
	ttl        time.Duration
	retryEvery time.Duration
}

// RedisLockerOpts holds parameters for creating a RedisLocker.
type RedisLockerOpts struct {
	Client     redisLockClient // usually *redis.Client
	TTL        time.Duration   // defaults to 2m
	RetryEvery time.Duration   // defaults to 50ms
}

// NewRedisLocker creates a RedisLocker.
func NewRedisLocker(opts RedisLockerOpts) (*RedisLocker, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("session: redis locker: client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	retry := opts.RetryEvery
	if retry <= 0 {
		retry = defaultRetryEvery
	}
	return &RedisLocker{client: opts.Client, ttl: ttl, retryEvery: retry}, nil
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	rkey := redisKeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, rkey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("session: redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("session: redis lock %s: %w", key, ctx.Err())
		case <-time.After(l.retryEvery):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context: the caller's may already be cancelled.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.client.Eval(rctx, releaseScript, []string{rkey}, token).Err(); err != nil {
				log.Printf("session: redis unlock %s: %v", key, err)
			}
		})
	}, nil
}
