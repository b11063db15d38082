package infra

import (
	"context"
	"strconv"
	"strings"
	"time"

	"transfer-saga/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore grava contadores de decisão em hashes do redis:
//
//	<prefix>:total                  allowed / denied / failed_open
//	<prefix>:minute:<yyyymmddHHMM>  idem, com TTL (bucket=minute)
//	<prefix>:route                  "<METHOD> <path>:<campo>"
//	<prefix>:key:<chave>            idem, com TTL (trackKeys)
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl vale para séries por minuto e por chave; total não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "transfer:ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func statsFields(ev domain.StatsEvent) []string {
	if !ev.Allowed {
		return []string{"denied"}
	}
	if ev.FailedOpen {
		return []string{"allowed", "failed_open"}
	}
	return []string{"allowed"}
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	fields := statsFields(ev)

	pipe := s.rdb.Pipeline()
	bump := func(key string, expire bool) {
		for _, f := range fields {
			pipe.HIncrBy(ctx, key, f, 1)
		}
		if expire && s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
	}

	bump(s.prefix+":total", false)
	if s.bucket == "minute" {
		bump(s.prefix+":minute:"+at.UTC().Format("200601021504"), true)
	}
	if route := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path)); route != "" {
		for _, f := range fields {
			pipe.HIncrBy(ctx, s.prefix+":route", route+":"+f, 1)
		}
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		bump(s.prefix+":key:"+k, true)
	}

	_, err := pipe.Exec(ctx)
	return err
}

// Totals lê os contadores cumulativos.
func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, error) {
	vals, err := s.rdb.HGetAll(ctx, s.prefix+":total").Result()
	if err != nil {
		return Counters{}, err
	}
	var c Counters
	for field, dst := range map[string]*int64{"allowed": &c.Allowed, "denied": &c.Denied, "failed_open": &c.FailedOpen} {
		if v, ok := vals[field]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Counters{}, err
			}
			*dst = n
		}
	}
	return c, nil
}
