package locks

import (
	"context"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocks is a cross-process lock service built on Redis lease keys.
// Each key holds the owner token and expires after the configured TTL.
type RedisLocks struct {
	client *redis.Client
	prefix string
	opts   Options
}

// Ensure RedisLocks implements Locks.
var _ Locks = (*RedisLocks)(nil)

var (
	// Returns 1 if acquired, 0 otherwise.
	acquireScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('GET', key)
if not cur then
	redis.call('PSETEX', key, ttlms, owner)
	return 1
end
if cur == owner then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`)

	// Returns 1 if released, 0 otherwise.
	releaseScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]

if redis.call('GET', key) == owner then
	redis.call('DEL', key)
	return 1
end
return 0
`)
)

// NewRedis creates a Redis-backed lock service. prefix namespaces the lock
// keys and defaults to "flow:lock:".
func NewRedis(client *redis.Client, prefix string, opts Options) *RedisLocks {
	if prefix == "" {
		prefix = "flow:lock:"
	}
	return &RedisLocks{
		client: client,
		prefix: prefix,
		opts:   opts.withDefaults(),
	}
}

func (r *RedisLocks) Acquire(ctx context.Context, key string) (Handle, error) {
	h := Handle{Key: key, Token: uuid.NewString()}
	err := pollAcquire(ctx, key, r.opts, func() (bool, error) {
		n, err := acquireScript.Run(ctx, r.client,
			[]string{r.prefix + key}, h.Token, r.opts.TTL.Milliseconds()).Int()
		if err != nil {
			return false, err
		}
		return n == 1, nil
	})
	if err != nil {
		return Handle{}, err
	}
	return h, nil
}

// Release frees the key if h still owns it. Releasing an expired or
// foreign lease is a no-op.
func (r *RedisLocks) Release(ctx context.Context, h Handle) error {
	return releaseScript.Run(ctx, r.client, []string{r.prefix + h.Key}, h.Token).Err()
}
