package application

import (
	"context"
	"log/slog"
	"time"

	"transfer-saga/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação do rate limit.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Se o Limiter falhar, FailOpen decide: true libera, false bloqueia por RetryAfter.
type Service struct {
	Limiter    domain.Limiter
	FailOpen   bool
	RetryAfter time.Duration
	Logger     *slog.Logger
}

// Decide devolve a decisão e se ela veio de uma falha do limiter.
func (s Service) Decide(ctx context.Context, key domain.Key) (domain.Decision, bool) {
	if s.Limiter == nil {
		return domain.Decision{Allowed: true}, false
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = 1 * time.Second
	}

	dec, err := s.Limiter.Allow(ctx, key)
	if err == nil {
		return dec, false
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "rate limiter unavailable", "key", string(key), "fail_open", s.FailOpen, "error", err)

	if s.FailOpen {
		return domain.Decision{Allowed: true}, true
	}
	return domain.Decision{Allowed: false, RetryAfter: s.RetryAfter}, true
}
