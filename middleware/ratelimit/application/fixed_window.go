package application

import (
	"context"
	"errors"
	"strconv"
	"time"

	"transfer-saga/middleware/ratelimit/domain"
)

// FixedWindow é o limiter de janela fixa: no máximo Limit chamadas por chave
// em cada janela [início, início+Window), com início alinhado ao relógio.
//
// O contador fica no CounterStore sob "<prefix>:<chave>:<início em ms>" e
// expira junto com a janela. Quando o limite já foi atingido a chamada é
// recusada sem incrementar.
//
// Leitura e incremento não são atômicos entre si: sob concorrência alta a
// mesma janela pode admitir alguns pedidos além do limite antes que as
// leituras vejam o contador cheio. Incremento que passa do limite é recusado.
type FixedWindow struct {
	Store  domain.CounterStore
	Limit  int
	Window time.Duration
	Prefix string
	Now    func() time.Time
}

var errInvalidWindow = errors.New("ratelimit: fixed window requires Store, Limit > 0 and Window > 0")

func (f FixedWindow) Allow(ctx context.Context, key domain.Key) (domain.Decision, error) {
	if f.Store == nil || f.Limit <= 0 || f.Window <= 0 {
		return domain.Decision{}, errInvalidWindow
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	t := now()
	winMs := f.Window.Milliseconds()
	if winMs <= 0 {
		winMs = 1
	}
	startMs := t.UnixMilli() / winMs * winMs
	retryAfter := time.UnixMilli(startMs + winMs).Sub(t)

	counterKey := string(key) + ":" + strconv.FormatInt(startMs, 10)
	if f.Prefix != "" {
		counterKey = f.Prefix + ":" + counterKey
	}

	count, err := f.Store.Get(ctx, counterKey)
	if err != nil {
		return domain.Decision{}, err
	}
	if count >= int64(f.Limit) {
		return domain.Decision{Allowed: false, Limit: f.Limit, RetryAfter: retryAfter}, nil
	}

	n, err := f.Store.Incr(ctx, counterKey, f.Window)
	if err != nil {
		return domain.Decision{}, err
	}
	if n > int64(f.Limit) {
		return domain.Decision{Allowed: false, Limit: f.Limit, RetryAfter: retryAfter}, nil
	}
	return domain.Decision{Allowed: true, Limit: f.Limit, Remaining: f.Limit - int(n)}, nil
}
