package application

import (
	"context"
	"errors"
	"time"

	"transfer-saga/middleware/ratelimit/domain"
)

// ConcurrencyService limita quantas sagas rodam ao mesmo tempo, sem saber
// nada sobre HTTP.
type ConcurrencyService struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta adquirir uma vaga.
//   - AcquireTimeout <= 0: espera até o ctx do chamador encerrar.
//   - AcquireTimeout > 0: espera no máximo esse tempo.
//
// Sem vaga, devolve domain.ErrNoSlot; se foi o chamador que desistiu,
// devolve o erro do ctx dele.
func (s ConcurrencyService) Acquire(ctx context.Context) (func(), error) {
	if s.Pool == nil {
		return func() {}, nil
	}

	acqCtx := ctx
	if s.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, s.AcquireTimeout)
		defer cancel()
	}

	release, ok := s.Pool.Acquire(acqCtx)
	if ok {
		return release, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acqCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	return nil, domain.ErrNoSlot
}
