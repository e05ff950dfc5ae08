package locks

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowcore/internal/persistence"
	"github.com/petrijr/flowcore/internal/testutil"
	"github.com/petrijr/flowcore/pkg/api"
)

var testOpts = Options{Wait: 100 * time.Millisecond, TTL: time.Second, Poll: 2 * time.Millisecond}

func newRedisLocks(t *testing.T) (*RedisLocks, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "test:lock:", testOpts), mr
}

func newSQLLocks(t *testing.T) *SQLLocks {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	l, err := NewSQL(db, persistence.SQLiteDialect{}, testOpts)
	require.NoError(t, err)
	return l
}

func implementations(t *testing.T) map[string]Locks {
	redisLocks, _ := newRedisLocks(t)
	return map[string]Locks{
		"local": NewLocal(testOpts),
		"redis": redisLocks,
		"sql":   newSQLLocks(t),
	}
}

func TestLocks_MutualExclusion(t *testing.T) {
	for name, l := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := l.Acquire(ctx, "s1:a")
			require.NoError(t, err)

			_, err = l.Acquire(ctx, "s1:a")
			assert.ErrorIs(t, err, api.ErrLockTimeout)

			other, err := l.Acquire(ctx, "s1:b")
			require.NoError(t, err)
			require.NoError(t, l.Release(ctx, other))

			require.NoError(t, l.Release(ctx, h))

			h2, err := l.Acquire(ctx, "s1:a")
			require.NoError(t, err)
			require.NoError(t, l.Release(ctx, h2))
		})
	}
}

func TestLocks_StaleReleaseIsNoop(t *testing.T) {
	for name, l := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			h, err := l.Acquire(ctx, "k")
			require.NoError(t, err)
			require.NoError(t, l.Release(ctx, Handle{Key: "k", Token: "someone-else"}))

			_, err = l.Acquire(ctx, "k")
			assert.ErrorIs(t, err, api.ErrLockTimeout)
			require.NoError(t, l.Release(ctx, h))
		})
	}
}

func TestLocks_ContextCancellation(t *testing.T) {
	for name, l := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			h, err := l.Acquire(context.Background(), "k")
			require.NoError(t, err)
			defer func() { _ = l.Release(context.Background(), h) }()

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err = l.Acquire(ctx, "k")
			require.Error(t, err)
			assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, api.ErrLockTimeout))
		})
	}
}

func TestLocks_SerializeCriticalSection(t *testing.T) {
	opts := Options{Wait: 5 * time.Second, TTL: 5 * time.Second, Poll: time.Millisecond}
	redisLocks, _ := newRedisLocks(t)
	redisLocks.opts = opts.withDefaults()
	sqlLocks := newSQLLocks(t)
	sqlLocks.opts = opts.withDefaults()

	for name, l := range map[string]Locks{
		"local": NewLocal(opts),
		"redis": redisLocks,
		"sql":   sqlLocks,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside, total atomic.Int32
			var wg sync.WaitGroup
			for range 10 {
				wg.Go(func() {
					h, err := l.Acquire(ctx, "shared")
					if !assert.NoError(t, err) {
						return
					}
					n := inside.Add(1)
					if n > maxInside.Load() {
						maxInside.Store(n)
					}
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					total.Add(1)
					assert.NoError(t, l.Release(ctx, h))
				})
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside.Load())
			assert.Equal(t, int32(10), total.Load())
		})
	}
}

func TestRedisLocks_LeaseExpires(t *testing.T) {
	l, mr := newRedisLocks(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	h, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, h))
	assert.False(t, mr.Exists("test:lock:k"))
}

func TestSQLLocks_LeaseExpires(t *testing.T) {
	l := newSQLLocks(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k")
	require.NoError(t, err)

	l.now = func() time.Time { return time.Now().Add(2 * time.Second) }

	h, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, h))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "orders:review", NodeKey("orders", "review"))
	assert.Equal(t, "trace:t-1", TraceKey("t-1"))
}

func TestRedisLocks_Container(t *testing.T) {
	addr := testutil.GetRedisAddress(t)
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedis(client, "it:lock:", testOpts)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "orders:review")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "orders:review")
	assert.ErrorIs(t, err, api.ErrLockTimeout)

	require.NoError(t, l.Release(ctx, h))
	h, err = l.Acquire(ctx, "orders:review")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, h))
}
