package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errRemote   = errors.New("connection refused")
	errNotFound = errors.New("not found")
)

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) ObserveCall(_ string, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func newTestGuard(clock *fakeClock, obs Observer) *Guard {
	reg := NewRegistry(testConfig(), WithBreakerOptions(WithClock(clock.Now)))
	return NewGuard(reg,
		WithObserver(obs),
		WithFailurePredicate(func(err error) bool { return !errors.Is(err, errNotFound) }),
	)
}

func failing(calls *atomic.Int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "", errRemote
	}
}

func succeeding(calls *atomic.Int32) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return "ok", nil
	}
}

func degrade(err error) (string, error) { return "fallback", nil }

func TestCall_SuccessReturnsValue(t *testing.T) {
	g := newTestGuard(newFakeClock(), nil)
	var calls atomic.Int32

	v, err := Call(context.Background(), g, "account", time.Second, succeeding(&calls), degrade)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 1, calls.Load())
}

func TestCall_FailureInvokesFallbackWithCause(t *testing.T) {
	g := newTestGuard(newFakeClock(), nil)
	var calls atomic.Int32
	var cause error

	_, err := Call(context.Background(), g, "account", time.Second, failing(&calls),
		func(err error) (string, error) {
			cause = err
			return "", errors.New("service unavailable")
		})

	assert.EqualError(t, err, "service unavailable")
	assert.ErrorIs(t, cause, errRemote)
}

func TestCall_NilFallbackReturnsCause(t *testing.T) {
	g := newTestGuard(newFakeClock(), nil)
	var calls atomic.Int32

	_, err := Call(context.Background(), g, "account", time.Second, failing(&calls), nil)

	assert.ErrorIs(t, err, errRemote)
}

func TestCall_NonFailureErrorPassesThroughAndCountsAsSuccess(t *testing.T) {
	g := newTestGuard(newFakeClock(), nil)
	fallbackCalled := false

	for i := 0; i < 10; i++ {
		_, err := Call(context.Background(), g, "account", time.Second,
			func(context.Context) (string, error) { return "", errNotFound },
			func(err error) (string, error) {
				fallbackCalled = true
				return "", err
			})
		assert.ErrorIs(t, err, errNotFound)
	}

	assert.False(t, fallbackCalled)
	assert.Equal(t, StateClosed, g.Registry().Get("account").State())
	assert.Equal(t, 0, g.Registry().Get("account").Snapshot().Failures)
}

func TestCall_TimeoutCountsAsFailureEvenIfOperationIgnoresContext(t *testing.T) {
	obs := &recordingObserver{}
	g := newTestGuard(newFakeClock(), obs)
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	v, err := Call(context.Background(), g, "transfer", 20*time.Millisecond,
		func(context.Context) (string, error) {
			<-release
			return "late", nil
		},
		func(err error) (string, error) { return "", err })

	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, v)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []Outcome{OutcomeTimeout}, obs.outcomes)
	assert.Equal(t, 1, g.Registry().Get("transfer").Snapshot().Failures)
}

func TestCall_CallerCancellationIsNotRecorded(t *testing.T) {
	obs := &recordingObserver{}
	g := newTestGuard(newFakeClock(), obs)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Call(ctx, g, "account", time.Second,
		func(ctx context.Context) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []Outcome{OutcomeCancelled}, obs.outcomes)
	assert.Equal(t, 0, g.Registry().Get("account").Snapshot().Calls)
}

func TestCall_PanicIsConvertedToFailure(t *testing.T) {
	g := newTestGuard(newFakeClock(), nil)

	_, err := Call(context.Background(), g, "account", time.Second,
		func(context.Context) (string, error) { panic("boom") }, nil)

	assert.ErrorContains(t, err, "panicked: boom")
	assert.Equal(t, 1, g.Registry().Get("account").Snapshot().Failures)
}

// Acima do limite de falhas o breaker abre e as chamadas seguintes
// falham rápido, sem executar a operação real.
func TestCall_BreakerTripsAndFastFails(t *testing.T) {
	obs := &recordingObserver{}
	g := newTestGuard(newFakeClock(), obs)
	var calls atomic.Int32

	for i := 0; i < 4; i++ {
		v, err := Call(context.Background(), g, "account", time.Second, failing(&calls), degrade)
		require.NoError(t, err)
		assert.Equal(t, "fallback", v)
	}
	require.Equal(t, StateOpen, g.Registry().Get("account").State())

	var cause error
	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), g, "account", time.Second, failing(&calls),
			func(err error) (string, error) {
				cause = err
				return "", err
			})
	}

	assert.EqualValues(t, 4, calls.Load(), "operation must not run while open")
	assert.ErrorIs(t, cause, ErrBreakerOpen)
	assert.Equal(t, OutcomeRejected, obs.outcomes[len(obs.outcomes)-1])
}

// Passado o cooldown, a próxima chamada é probe; sucesso fecha, falha reabre.
func TestCall_BreakerRecoversAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock, nil)
	var calls atomic.Int32

	for i := 0; i < 4; i++ {
		_, _ = Call(context.Background(), g, "account", time.Second, failing(&calls), degrade)
	}
	clock.Advance(time.Minute)

	_, err := Call(context.Background(), g, "account", time.Second, failing(&calls), nil)
	assert.ErrorIs(t, err, errRemote)
	assert.Equal(t, StateOpen, g.Registry().Get("account").State())
	assert.EqualValues(t, 5, calls.Load())

	_, err = Call(context.Background(), g, "account", time.Second, succeeding(&calls), nil)
	assert.ErrorIs(t, err, ErrBreakerOpen, "cooldown restarted")

	clock.Advance(time.Minute)
	v, err := Call(context.Background(), g, "account", time.Second, succeeding(&calls), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, g.Registry().Get("account").State())
}

func TestCall_DependenciesHaveIndependentBreakers(t *testing.T) {
	g := newTestGuard(newFakeClock(), nil)
	var calls atomic.Int32

	for i := 0; i < 4; i++ {
		_, _ = Call(context.Background(), g, "notification", time.Second, failing(&calls), degrade)
	}

	v, err := Call(context.Background(), g, "account", time.Second, succeeding(&calls), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateOpen, g.Registry().Get("notification").State())
}

func TestCall_IdempotentAcrossFreshRegistries(t *testing.T) {
	run := func() []Outcome {
		obs := &recordingObserver{}
		g := newTestGuard(newFakeClock(), obs)
		var calls atomic.Int32
		for i := 0; i < 6; i++ {
			_, _ = Call(context.Background(), g, "account", time.Second, failing(&calls), degrade)
		}
		return obs.outcomes
	}

	assert.Equal(t, run(), run())
}
