package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"transfer-saga/middleware/ratelimit/application"
	"transfer-saga/middleware/ratelimit/domain"
)

type KeyFunc func(r *http.Request) string

type principalKey struct{}

// WithPrincipal anexa a identidade autenticada ao contexto da requisição.
// É a primeira fonte de chave do DefaultKeyFunc.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}

type Options struct {
	Limiter domain.Limiter
	Stats   domain.StatsStore
	KeyFn   KeyFunc
	// PrincipalHeader é lido quando não há principal no contexto.
	PrincipalHeader    string
	TrustXForwardedFor bool
	RejectStatus       int
	// FailOpen libera a requisição quando o limiter falha.
	FailOpen bool
	// RetryAfter é usado quando o limiter falha e FailOpen=false.
	RetryAfter          time.Duration
	AddRateLimitHeaders bool
	Logger              *slog.Logger
}

// DefaultKeyFunc resolve a identidade do cliente, nesta ordem: principal no
// contexto, header de principal, primeiro IP do X-Forwarded-For (se confiável),
// host do RemoteAddr.
func DefaultKeyFunc(principalHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if p, ok := PrincipalFrom(r.Context()); ok {
			return "user:" + p
		}
		if principalHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(principalHeader)); v != "" {
				return "user:" + v
			}
		}

		if trustXFF {
			// primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return "ip:" + ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return "ip:" + host
		}
		if r.RemoteAddr != "" {
			return "ip:" + r.RemoteAddr
		}
		return "unknown"
	}
}

func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.PrincipalHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	svc := application.Service{
		Limiter:    opts.Limiter,
		FailOpen:   opts.FailOpen,
		RetryAfter: opts.RetryAfter,
		Logger:     opts.Logger,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := domain.Key(opts.KeyFn(r))

			dec, failed := svc.Decide(r.Context(), key)
			if opts.Stats != nil {
				if err := opts.Stats.Record(r.Context(), domain.StatsEvent{
					Key:        key,
					Allowed:    dec.Allowed,
					FailedOpen: failed && dec.Allowed,
					Method:     r.Method,
					Path:       r.URL.Path,
					At:         time.Now(),
				}); err != nil {
					opts.Logger.WarnContext(r.Context(), "rate limit stats not recorded", "error", err)
				}
			}

			if opts.AddRateLimitHeaders && dec.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", formatInt(dec.Limit))
				w.Header().Set("X-RateLimit-Remaining", formatInt(dec.Remaining))
			}
			if !dec.Allowed {
				w.Header().Set("Retry-After", formatInt(retryAfterSeconds(dec.RetryAfter)))
				opts.Logger.InfoContext(r.Context(), "request rate limited", "key", string(key), "path", r.URL.Path)
				writeReject(w, opts.RejectStatus, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds arredonda para cima; Retry-After nunca sai 0 numa recusa.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
