package clients

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"transfer-saga/guard"
	"transfer-saga/saga"
	"transfer-saga/stub"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testBreaker = guard.Config{
	WindowSize:           10,
	MinimumCalls:         4,
	FailureRateThreshold: 50,
	OpenDuration:         time.Minute,
	HalfOpenProbes:       1,
}

type fixture struct {
	stub *stub.Server
	reg  *guard.Registry
	opts Options
	deps saga.Dependencies
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()

	store, err := stub.NewStore()
	require.NoError(t, err)
	require.NoError(t, stub.DefaultSeed().Apply(store))
	srv := stub.NewServer(store, quietLogger)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)

	reg := guard.NewRegistry(testBreaker, guard.WithBreakerOptions(guard.WithLogger(quietLogger)))
	resolver := StaticResolver{}
	for _, name := range Names() {
		resolver[name] = hs.URL
	}
	opts := Options{
		Resolver:     resolver,
		HTTPClient:   hs.Client(),
		Guard:        NewGuard(reg, guard.WithGuardLogger(quietLogger)),
		Timeout:      time.Second,
		RetryBackoff: time.Millisecond,
		Logger:       quietLogger,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	return &fixture{stub: srv, reg: reg, opts: opts, deps: New(opts)}
}

func TestUserClient_GetUser(t *testing.T) {
	f := newFixture(t)

	u, err := f.deps.Users.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, "customer", u.Role)
}

func TestUserClient_NotFoundDoesNotCountAsFailure(t *testing.T) {
	f := newFixture(t)

	for range 10 {
		_, err := f.deps.Users.GetUser(context.Background(), "ghost")
		require.ErrorIs(t, err, saga.ErrNotFound)
		assert.False(t, errors.Is(err, saga.ErrUnavailable))
	}

	snap := f.reg.Get(UserService).Snapshot()
	assert.Equal(t, guard.StateClosed.String(), snap.State)
	assert.Zero(t, snap.Failures)
}

func TestAccountClient_ServerErrorIsUnavailable(t *testing.T) {
	f := newFixture(t)
	f.stub.SetFault(stub.ServiceAccount, stub.Fault{Status: http.StatusInternalServerError, Code: "DB_DOWN"})

	_, err := f.deps.Accounts.GetAccount(context.Background(), "acc-a")
	require.ErrorIs(t, err, saga.ErrUnavailable)

	var de *saga.DependencyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusInternalServerError, de.Status)
	assert.Equal(t, "DB_DOWN", de.Code)
	assert.Equal(t, "injected failure", de.Message)
}

func TestAccountClient_BreakerTripsAndFastFails(t *testing.T) {
	f := newFixture(t)
	f.stub.SetFault(stub.ServiceAccount, stub.Fault{Status: http.StatusServiceUnavailable})

	for range testBreaker.MinimumCalls {
		_, err := f.deps.Accounts.GetAccount(context.Background(), "acc-a")
		require.ErrorIs(t, err, saga.ErrUnavailable)
	}
	require.Equal(t, guard.StateOpen, f.reg.Get(AccountService).State())

	before := f.stub.Calls(stub.ServiceAccount)
	_, err := f.deps.Accounts.GetAccount(context.Background(), "acc-a")
	require.ErrorIs(t, err, saga.ErrUnavailable)
	assert.ErrorIs(t, err, guard.ErrBreakerOpen)
	assert.Equal(t, before, f.stub.Calls(stub.ServiceAccount), "open breaker must not reach the service")

	// o breaker de outra dependência não é afetado
	_, err = f.deps.Users.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
}

func TestAccountClient_Timeout(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Timeout = 30 * time.Millisecond })
	f.stub.SetFault(stub.ServiceAccount, stub.Fault{Delay: 500 * time.Millisecond})

	start := time.Now()
	_, err := f.deps.Accounts.GetAccount(context.Background(), "acc-a")

	assert.Less(t, time.Since(start), 400*time.Millisecond)
	require.ErrorIs(t, err, saga.ErrUnavailable)
	assert.ErrorIs(t, err, guard.ErrTimeout)
	assert.Equal(t, 1, f.reg.Get(AccountService).Snapshot().Failures)
}

func TestAccountClient_ListDegradesToEmpty(t *testing.T) {
	f := newFixture(t)
	accounts := f.deps.Accounts.(*AccountClient)

	accs, err := accounts.ListAccountsByOwner(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, "acc-a", accs[0].ID)

	f.stub.SetFault(stub.ServiceAccount, stub.Fault{Status: http.StatusBadGateway})
	accs, err = accounts.ListAccountsByOwner(context.Background(), "u-1")
	require.NoError(t, err)
	assert.NotNil(t, accs)
	assert.Empty(t, accs)
}

func TestAccountClient_UpdateAccount(t *testing.T) {
	f := newFixture(t)
	accounts := f.deps.Accounts.(*AccountClient)

	balance := decimal.RequireFromString("42.10")
	a, err := accounts.UpdateAccount(context.Background(), "acc-b", AccountUpdate{Balance: &balance})
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(balance))
	assert.Equal(t, "u-2", a.OwnerID)

	_, err = accounts.UpdateAccount(context.Background(), "ghost", AccountUpdate{Balance: &balance})
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func TestFundTransferClient_ConflictIsNotBreakerFailure(t *testing.T) {
	f := newFixture(t)

	_, err := f.deps.Transfers.InitiateTransfer(context.Background(), saga.TransferOrder{
		FromAccountID: "acc-b", ToAccountID: "acc-a", Amount: decimal.NewFromInt(10_000),
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, saga.ErrUnavailable))

	var de *saga.DependencyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusConflict, de.Status)
	assert.Equal(t, "INSUFFICIENT_FUNDS", de.Code)
	assert.Zero(t, f.reg.Get(FundTransferService).Snapshot().Failures)
}

func TestNotificationClient_AcceptsEmptyBody(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.deps.Notifications.SendNotification(context.Background(), "u-1", "hello"))
	notes, err := f.stub.Store().Notifications("u-1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
}

// dropFirst fecha a conexão das primeiras n requisições sem responder.
func dropFirst(n int32, next http.Handler) (http.Handler, *atomic.Int32) {
	var seen atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen.Add(1) <= n {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		next.ServeHTTP(w, r)
	}), &seen
}

func flakyFixture(t *testing.T, drops int32, retries int) (*fixture, *atomic.Int32) {
	t.Helper()
	f := newFixture(t)
	h, seen := dropFirst(drops, f.stub)
	hs := httptest.NewServer(h)
	t.Cleanup(hs.Close)

	resolver := StaticResolver{}
	for _, name := range Names() {
		resolver[name] = hs.URL
	}
	f.opts.Resolver = resolver
	f.opts.HTTPClient = &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	f.opts.ReadRetries = retries
	f.deps = New(f.opts)
	return f, seen
}

func TestRead_RetriesTransportFailures(t *testing.T) {
	f, seen := flakyFixture(t, 1, 2)

	u, err := f.deps.Users.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.ID)
	assert.Equal(t, int32(2), seen.Load())
}

func TestRead_GivesUpAfterRetries(t *testing.T) {
	f, seen := flakyFixture(t, 10, 1)

	_, err := f.deps.Users.GetUser(context.Background(), "u-1")
	require.ErrorIs(t, err, saga.ErrUnavailable)
	assert.Equal(t, int32(2), seen.Load())
	// as tentativas contam como uma única chamada para o breaker
	assert.Equal(t, 1, f.reg.Get(UserService).Snapshot().Calls)
}

func TestMutate_DoesNotRetry(t *testing.T) {
	f, seen := flakyFixture(t, 1, 3)

	_, err := f.deps.Transfers.InitiateTransfer(context.Background(), saga.TransferOrder{
		FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: decimal.NewFromInt(1),
	})
	require.ErrorIs(t, err, saga.ErrUnavailable)
	assert.Equal(t, int32(1), seen.Load())
}

func TestStaticResolver(t *testing.T) {
	r := StaticResolver{UserService: "http://users:8080/", AccountService: "not a url"}

	base, err := r.Resolve(UserService)
	require.NoError(t, err)
	assert.Equal(t, "http://users:8080", base)

	_, err = r.Resolve(NotificationService)
	assert.ErrorIs(t, err, ErrUnknownDependency)

	err = r.Validate(UserService, AccountService, NotificationService)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account")
	assert.Contains(t, err.Error(), "notification")
}

func TestSagaOverStubServices(t *testing.T) {
	f := newFixture(t)
	o, err := saga.NewOrchestrator(f.deps, saga.WithLogger(quietLogger))
	require.NoError(t, err)

	res := o.OrchestrateTransfer(context.Background(), saga.TransferRequest{
		UserID:        "u-1",
		FromAccountID: "acc-a",
		ToAccountID:   "acc-b",
		Amount:        decimal.RequireFromString("150.25"),
	})
	require.Equal(t, saga.StatusCompleted, res.Status, res.Message)

	from, err := f.stub.Store().Account("acc-a")
	require.NoError(t, err)
	assert.True(t, from.Balance.Equal(decimal.RequireFromString("849.75")))

	txs, err := f.stub.Store().Transactions()
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, saga.TransactionTransfer, txs[0].Record.Type)

	notes, err := f.stub.Store().Notifications("u-1")
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestSagaOverStubServices_NotificationDown(t *testing.T) {
	f := newFixture(t)
	f.stub.SetFault(stub.ServiceNotification, stub.Fault{Status: http.StatusServiceUnavailable})
	o, err := saga.NewOrchestrator(f.deps, saga.WithLogger(quietLogger))
	require.NoError(t, err)

	res := o.OrchestrateTransfer(context.Background(), saga.TransferRequest{
		UserID: "u-1", FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: decimal.NewFromInt(1),
	})
	assert.Equal(t, saga.StatusCompleted, res.Status, res.Message)
}

func TestSagaOverStubServices_TransferServiceDown(t *testing.T) {
	f := newFixture(t)
	f.stub.SetFault(stub.ServiceFundTransfer, stub.Fault{Status: http.StatusServiceUnavailable})
	o, err := saga.NewOrchestrator(f.deps, saga.WithLogger(quietLogger))
	require.NoError(t, err)

	res := o.OrchestrateTransfer(context.Background(), saga.TransferRequest{
		UserID: "u-1", FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: decimal.NewFromInt(1),
	})
	require.Equal(t, saga.StatusFailed, res.Status)
	assert.Equal(t, saga.StepInitiateTransfer, res.FailedStep)
	assert.Contains(t, res.Message, "service unavailable")
	assert.Zero(t, f.stub.Calls(stub.ServiceTransaction))
}
