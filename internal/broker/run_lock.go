package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/rueidis"

	"github.com/jnst/lume-outbox/internal/model"
)

// DefaultRunLockKey guards processing runs sharing one store.
const DefaultRunLockKey = "outbox:run-lock"

var (
	releaseScript = rueidis.NewLuaScript(
		"if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end",
	)
	extendScript = rueidis.NewLuaScript(
		"if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end",
	)
)

// RedisRunLock is a best-effort mutual exclusion lock with a TTL. The TTL
// frees the lock if its holder dies mid-run; a live holder extends it.
type RedisRunLock struct {
	client rueidis.Client
	key    string
	ttl    time.Duration
}

// NewRedisRunLock creates a lock on key.
func NewRedisRunLock(client rueidis.Client, key string, ttl time.Duration) *RedisRunLock {
	if key == "" {
		key = DefaultRunLockKey
	}

	return &RedisRunLock{client: client, key: key, ttl: ttl}
}

// TryAcquire takes the lock without waiting.
func (l *RedisRunLock) TryAcquire(ctx context.Context) (model.RunLease, bool, error) {
	token := uuid.NewString()

	cmd := l.client.B().Set().Key(l.key).Value(token).Nx().PxMilliseconds(l.ttl.Milliseconds()).Build()

	err := l.client.Do(ctx, cmd).Error()
	if rueidis.IsRedisNil(err) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}

	return &redisRunLease{lock: l, token: token}, true, nil
}

// redisRunLease only touches the key while its token is still stored there.
type redisRunLease struct {
	lock  *RedisRunLock
	token string
}

// Extend resets the TTL.
func (s *redisRunLease) Extend(ctx context.Context) error {
	ttl := strconv.FormatInt(s.lock.ttl.Milliseconds(), 10)

	n, err := extendScript.Exec(ctx, s.lock.client, []string{s.lock.key}, []string{s.token, ttl}).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", s.lock.key, err)
	}

	if n == 0 {
		return fmt.Errorf("lock %s expired or is held by another process", s.lock.key)
	}

	return nil
}

// Release deletes the key.
func (s *redisRunLease) Release(ctx context.Context) error {
	n, err := releaseScript.Exec(ctx, s.lock.client, []string{s.lock.key}, []string{s.token}).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", s.lock.key, err)
	}

	if n == 0 {
		return fmt.Errorf("lock %s expired or is held by another process", s.lock.key)
	}

	return nil
}
