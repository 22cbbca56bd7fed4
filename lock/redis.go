// Package lock provides the optional distributed guard taken around session finalization.
package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
)

var ErrNotAcquired = eris.New("lock not acquired")

// releaseScript deletes the key only while it still holds our owner value.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisGuard is a SETNX-based mutual exclusion lock.
type RedisGuard struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

// NewRedisGuard opens a client for addr. owner identifies this process in lock values.
func NewRedisGuard(opts *redis.Options, owner string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisGuard{client: redis.NewClient(opts), owner: owner, ttl: ttl}
}

// Ping checks connectivity.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return eris.Wrap(g.client.Ping(ctx).Err(), "redis ping")
}

// Acquire takes key for the guard's ttl. It returns ErrNotAcquired if another owner holds it.
func (g *RedisGuard) Acquire(ctx context.Context, key string) error {
	ok, err := g.client.SetNX(ctx, key, g.owner, g.ttl).Result()
	if err != nil {
		return eris.Wrapf(err, "acquire %s", key)
	}
	if !ok {
		return eris.Wrapf(ErrNotAcquired, "key %s", key)
	}
	return nil
}

// Release frees key if this owner still holds it.
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	_, err := g.client.Eval(ctx, releaseScript, []string{key}, g.owner).Result()
	return eris.Wrapf(err, "release %s", key)
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
