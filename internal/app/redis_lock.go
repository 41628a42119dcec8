package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lipila/withdrawal-service/pkg/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyedLock is a lease on a key for ttl. It serializes sweeps across instances and
// suppresses duplicate webhook deliveries.
type KeyedLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKeyedLock is a SETNX lock with a random owner token. Release only deletes
// the key while this instance still owns it.
type RedisKeyedLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisKeyedLock(client redis.UniversalClient, prefix string) *RedisKeyedLock {
	return &RedisKeyedLock{client: client, prefix: redisKeyPrefix(prefix, "lock")}
}

func (l *RedisKeyedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	fullKey := l.prefix + ":" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
			logger.For("keyed_lock").Warn("failed to release lock", zap.String("key", fullKey), zap.Error(err))
		}
	}
	return release, true, nil
}

// LocalKeyedLock is a process-local KeyedLock for deployments without Redis.
type LocalKeyedLock struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

func NewLocalKeyedLock() *LocalKeyedLock {
	return &LocalKeyedLock{held: make(map[string]time.Time), now: time.Now}
}

func (l *LocalKeyedLock) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, false, nil
	}
	expiry := now.Add(ttl)
	l.held[key] = expiry

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.held[key]; ok && current.Equal(expiry) {
			delete(l.held, key)
		}
	}
	return release, true, nil
}
