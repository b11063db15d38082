package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "acc-a")
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			assert.NoError(t, unlock(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, l.held())
}

func TestMemoryLocker_BusyOnTimeout(t *testing.T) {
	l := NewMemoryLocker()
	unlock, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "acc-a")
	assert.ErrorIs(t, err, ErrAccountBusy)

	// outras contas não são afetadas
	other, err := l.Lock(context.Background(), "acc-b")
	require.NoError(t, err)
	require.NoError(t, other(context.Background()))

	require.NoError(t, unlock(context.Background()))
	// unlock repetido é inofensivo
	require.NoError(t, unlock(context.Background()))
	assert.Equal(t, 0, l.held())
}

func newRedisLocker(t *testing.T, opts ...RedisLockerOption) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, opts...), mr
}

func TestRedisLocker_LockUnlock(t *testing.T) {
	l, mr := newRedisLocker(t, WithLockPrefix("test:lock:"), WithLockTTL(5*time.Second))

	unlock, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:lock:account:acc-a"))
	assert.Equal(t, 5*time.Second, mr.TTL("test:lock:account:acc-a"))

	require.NoError(t, unlock(context.Background()))
	assert.False(t, mr.Exists("test:lock:account:acc-a"))
}

func TestRedisLocker_BusyWhileHeld(t *testing.T) {
	l, _ := newRedisLocker(t, WithLockPollInterval(5*time.Millisecond))

	unlock, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "acc-a")
	assert.ErrorIs(t, err, ErrAccountBusy)

	require.NoError(t, unlock(context.Background()))

	again, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)
	require.NoError(t, again(context.Background()))
}

func TestRedisLocker_WaitsForRelease(t *testing.T) {
	l, _ := newRedisLocker(t, WithLockPollInterval(5*time.Millisecond))

	unlock, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = unlock(context.Background())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	second, err := l.Lock(ctx, "acc-a")
	require.NoError(t, err)
	require.NoError(t, second(context.Background()))
}

func TestRedisLocker_StaleUnlockKeepsNewOwner(t *testing.T) {
	l, mr := newRedisLocker(t, WithLockTTL(time.Second))

	stale, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)

	// o TTL expira e outra saga assume a conta
	mr.FastForward(2 * time.Second)
	owner, err := l.Lock(context.Background(), "acc-a")
	require.NoError(t, err)

	require.NoError(t, stale(context.Background()))
	assert.True(t, mr.Exists("transfer:lock:account:acc-a"))

	require.NoError(t, owner(context.Background()))
	assert.False(t, mr.Exists("transfer:lock:account:acc-a"))
}
