package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout indica que a operação estourou o timeout do Guard.
var ErrTimeout = errors.New("dependency call timed out")

// Outcome classifica uma chamada protegida (logs/metrics).
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCancelled Outcome = "cancelled"
)

// Observer recebe o resultado de cada chamada protegida.
type Observer interface {
	ObserveCall(dependency string, outcome Outcome, elapsed time.Duration)
}

// Guard combina o Registry de breakers com a regra de classificação de falhas.
type Guard struct {
	registry  *Registry
	isFailure func(error) bool
	observer  Observer
	logger    *slog.Logger
}

type GuardOption func(*Guard)

// WithFailurePredicate define quais erros da operação contam como falha da
// dependência. O padrão é: todo erro conta. Timeout sempre conta.
func WithFailurePredicate(fn func(error) bool) GuardOption {
	return func(g *Guard) { g.isFailure = fn }
}

func WithObserver(o Observer) GuardOption {
	return func(g *Guard) { g.observer = o }
}

func WithGuardLogger(l *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

func NewGuard(reg *Registry, opts ...GuardOption) *Guard {
	g := &Guard{
		registry:  reg,
		isFailure: func(error) bool { return true },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Registry() *Registry { return g.registry }

func (g *Guard) observe(name string, o Outcome, elapsed time.Duration) {
	if g.observer != nil {
		g.observer.ObserveCall(name, o, elapsed)
	}
}

// Call executa op protegida pelo breaker da dependência `name`.
//
//   - breaker rejeitou: fallback(err com ErrBreakerOpen), op não roda
//   - timeout > 0 limita o tempo de parede de op, mesmo que op ignore o ctx
//   - timeout ou erro com isFailure(err): conta falha e chama fallback(err)
//   - outro erro (ex: not found): conta sucesso e devolve o erro sem fallback
//   - cancelamento do ctx do chamador não conta contra a dependência
//
// fallback nil equivale a devolver o erro original.
func Call[T any](
	ctx context.Context,
	g *Guard,
	name string,
	timeout time.Duration,
	op func(context.Context) (T, error),
	fallback func(error) (T, error),
) (T, error) {
	permit, err := g.registry.Get(name).Acquire()
	if err != nil {
		g.logger.WarnContext(ctx, "dependency call rejected by circuit breaker", "dependency", name)
		g.observe(name, OutcomeRejected, 0)
		return runFallback(fallback, fmt.Errorf("%s: %w", name, err))
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	v, err := runBounded(callCtx, op)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		permit.Success()
		g.observe(name, OutcomeSuccess, elapsed)
		return v, nil

	case ctx.Err() != nil:
		permit.Ignore()
		g.observe(name, OutcomeCancelled, elapsed)
		return runFallback(fallback, fmt.Errorf("%s: %w", name, err))

	case callCtx.Err() != nil:
		permit.Failure()
		g.observe(name, OutcomeTimeout, elapsed)
		g.logger.WarnContext(ctx, "dependency call timed out", "dependency", name, "timeout", timeout)
		return runFallback(fallback, fmt.Errorf("%s: %w after %s: %w", name, ErrTimeout, timeout, err))

	case g.isFailure(err):
		permit.Failure()
		g.observe(name, OutcomeFailure, elapsed)
		g.logger.WarnContext(ctx, "dependency call failed", "dependency", name, "error", err)
		return runFallback(fallback, err)

	default:
		permit.Success()
		g.observe(name, OutcomeSuccess, elapsed)
		return v, err
	}
}

func runFallback[T any](fallback func(error) (T, error), cause error) (T, error) {
	if fallback == nil {
		var zero T
		return zero, cause
	}
	return fallback(cause)
}

type callResult[T any] struct {
	v   T
	err error
}

// runBounded devolve assim que op termina ou ctx encerra. Se ctx encerrar
// primeiro, a goroutine de op continua até op retornar; o resultado é descartado.
func runBounded[T any](ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		var r callResult[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("dependency call panicked: %v", p)
			}
			done <- r
		}()
		r.v, r.err = op(ctx)
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
