package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// releaseScript só apaga a chave se ela ainda pertence ao token de quem travou.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker é um AccountLocker compartilhado entre réplicas.
//
// Lock usa SET NX PX com um token aleatório e tenta de novo a cada
// pollInterval até o ctx encerrar. O TTL protege contra réplicas que morrem
// segurando a conta.
type RedisLocker struct {
	rdb          redis.UniversalClient
	prefix       string
	ttl          time.Duration
	pollInterval time.Duration
}

type RedisLockerOption func(*RedisLocker)

func WithLockPrefix(prefix string) RedisLockerOption {
	return func(l *RedisLocker) { l.prefix = strings.Trim(prefix, ":") }
}

func WithLockTTL(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.ttl = d }
}

func WithLockPollInterval(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.pollInterval = d }
}

func NewRedisLocker(rdb redis.UniversalClient, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{
		rdb:          rdb,
		prefix:       "transfer:lock",
		ttl:          30 * time.Second,
		pollInterval: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) key(accountID string) string {
	return l.prefix + ":account:" + accountID
}

func (l *RedisLocker) Lock(ctx context.Context, accountID string) (func(context.Context) error, error) {
	key := l.key(accountID)
	token := uuid.NewString()

	backoff := retry.NewConstant(l.pollInterval)
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(ErrAccountBusy)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrAccountBusy) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: %s", ErrAccountBusy, accountID)
		}
		return nil, fmt.Errorf("lock account %s: %w", accountID, err)
	}

	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("unlock account %s: %w", accountID, err)
		}
		return nil
	}, nil
}
