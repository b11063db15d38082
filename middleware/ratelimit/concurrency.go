package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"transfer-saga/middleware/ratelimit/application"
	"transfer-saga/middleware/ratelimit/domain"
	"transfer-saga/middleware/ratelimit/infra"
)

type ConcurrencyOptions struct {
	Max            int
	RejectStatus   int
	AcquireTimeout time.Duration
	// Pool substitui o semáforo padrão (ex: para expor InUse em métricas).
	Pool   domain.SlotPool
	Logger *slog.Logger
}

// ConcurrencyMiddleware limita quantas requisições rodam ao mesmo tempo.
// Max <= 0 sem Pool desliga o limite.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Pool == nil {
		if opts.Max <= 0 {
			return func(next http.Handler) http.Handler { return next }
		}
		opts.Pool = infra.NewChanPool(opts.Max)
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	svc := application.ConcurrencyService{
		Pool:           opts.Pool,
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := svc.Acquire(r.Context())
			if err != nil {
				if errors.Is(err, domain.ErrNoSlot) {
					opts.Logger.WarnContext(r.Context(), "concurrency limit reached", "path", r.URL.Path)
					writeReject(w, opts.RejectStatus, "too many transfers in progress")
				}
				// cliente desistiu: não há a quem responder
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}
