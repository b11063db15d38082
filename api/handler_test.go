package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transfer-saga/guard"
	"transfer-saga/middleware/ratelimit"
	"transfer-saga/middleware/ratelimit/application"
	"transfer-saga/middleware/ratelimit/domain"
	"transfer-saga/middleware/ratelimit/infra"
	"transfer-saga/saga"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type orchestratorMock struct{ mock.Mock }

func (m *orchestratorMock) OrchestrateTransfer(ctx context.Context, req saga.TransferRequest) saga.Result {
	return m.Called(ctx, req).Get(0).(saga.Result)
}

const body = `{"userId":"u-1","fromAccountId":"acc-a","toAccountId":"acc-b","amount":"100.00"}`

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func postTransfer(h http.Handler, payload string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/transfers", strings.NewReader(payload))
	r.RemoteAddr = "10.0.0.1:1234"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func failed(step saga.StepName, err error, msg string) saga.Result {
	return saga.Result{
		SagaID:     "s-1",
		Status:     saga.StatusFailed,
		Message:    msg,
		FailedStep: step,
		Err:        err,
		Steps:      map[saga.StepName]saga.StepOutcome{step: {Err: err}},
		Order:      []saga.StepName{step},
	}
}

func TestCreateTransfer_Completed(t *testing.T) {
	orch := &orchestratorMock{}
	want := saga.TransferRequest{UserID: "u-1", FromAccountID: "acc-a", ToAccountID: "acc-b", Amount: decimal.RequireFromString("100.00")}
	orch.On("OrchestrateTransfer", mock.Anything, mock.MatchedBy(func(r saga.TransferRequest) bool {
		return r.UserID == want.UserID && r.FromAccountID == want.FromAccountID &&
			r.ToAccountID == want.ToAccountID && r.Amount.Equal(want.Amount)
	})).Return(saga.Result{
		SagaID:  "s-1",
		Status:  saga.StatusCompleted,
		Message: "transfer completed successfully",
		Steps: map[saga.StepName]saga.StepOutcome{
			saga.StepFetchUser:        {Value: "u-1"},
			saga.StepSendNotification: {Err: errors.New("notification: service unavailable")},
		},
		Order: []saga.StepName{saga.StepFetchUser, saga.StepSendNotification},
	})

	rr := postTransfer(NewHandler(orch, WithLogger(quietLogger())), body)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp transferResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "s-1", resp.SagaID)
	assert.Equal(t, saga.StatusCompleted, resp.Status)
	require.Len(t, resp.Steps, 2)
	assert.True(t, resp.Steps[0].Succeeded)
	assert.False(t, resp.Steps[1].Succeeded)
	assert.Contains(t, resp.Steps[1].Error, "service unavailable")
	orch.AssertExpectations(t)
}

func TestCreateTransfer_FailureStatuses(t *testing.T) {
	tests := []struct {
		name string
		res  saga.Result
		want int
	}{
		{"insufficient funds", failed(saga.StepCheckBalance, saga.ErrInsufficientFunds, "insufficient funds"), http.StatusUnprocessableEntity},
		{"account busy", failed(saga.StepLockSourceAccount, saga.ErrAccountBusy, "account is busy"), http.StatusUnprocessableEntity},
		{"dependency unavailable", failed(saga.StepInitiateTransfer, saga.Unavailable("fundtransfer", guard.ErrBreakerOpen), "initiateTransfer failed: service unavailable, please try again later"), http.StatusServiceUnavailable},
		{"dependency rejected", failed(saga.StepInitiateTransfer, &saga.DependencyError{Dependency: "fundtransfer", Status: 409}, "initiateTransfer failed"), http.StatusUnprocessableEntity},
		{"saga deadline", failed(saga.StepRecordTransaction, context.DeadlineExceeded, "recordTransaction failed"), http.StatusServiceUnavailable},
		{"unclassified", failed(saga.StepRecordTransaction, errors.New("boom"), "recordTransaction failed: internal error"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := &orchestratorMock{}
			orch.On("OrchestrateTransfer", mock.Anything, mock.Anything).Return(tt.res)

			rr := postTransfer(NewHandler(orch, WithLogger(quietLogger())), body)
			assert.Equal(t, tt.want, rr.Code)

			var resp transferResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, saga.StatusFailed, resp.Status)
			assert.Equal(t, tt.res.Message, resp.Message)
		})
	}
}

func TestCreateTransfer_ValidationErrorListsFields(t *testing.T) {
	verr := &saga.ValidationError{Fields: []saga.FieldError{{Field: "amount", Reason: "must be greater than zero"}}}
	orch := &orchestratorMock{}
	orch.On("OrchestrateTransfer", mock.Anything, mock.Anything).Return(failed("", verr, verr.Error()))

	rr := postTransfer(NewHandler(orch), `{"userId":"u-1","fromAccountId":"a","toAccountId":"b","amount":"0"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "amount", resp.Fields[0].Field)
}

func TestCreateTransfer_MalformedBodyNeverReachesSaga(t *testing.T) {
	orch := &orchestratorMock{}
	h := NewHandler(orch)

	for _, payload := range []string{`{`, `{"userId":"u-1","extra":true}`, `{"amount":"abc"}`} {
		rr := postTransfer(h, payload)
		assert.Equal(t, http.StatusBadRequest, rr.Code, payload)
	}
	orch.AssertNotCalled(t, "OrchestrateTransfer", mock.Anything, mock.Anything)
}

func TestCreateTransfer_RateLimited(t *testing.T) {
	orch := &orchestratorMock{}
	orch.On("OrchestrateTransfer", mock.Anything, mock.Anything).Return(saga.Result{SagaID: "s-1", Status: saga.StatusCompleted})

	limiter := application.FixedWindow{Store: infra.NewMemoryCounterStore(), Limit: 1, Window: time.Hour}
	h := NewHandler(orch, WithTransferMiddleware(ratelimit.Middleware(ratelimit.Options{
		Limiter: limiter,
		Logger:  quietLogger(),
	})))

	assert.Equal(t, http.StatusOK, postTransfer(h, body).Code)
	rr := postTransfer(h, body)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	orch.AssertNumberOfCalls(t, "OrchestrateTransfer", 1)

	// rotas operacionais não passam pelo limiter
	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestBreakersAndMetricsRoutes(t *testing.T) {
	reg := guard.NewRegistry(guard.DefaultConfig())
	reg.Get("account")
	reg.Get("user")

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "transfer_saga_total 0\n")
	})
	h := NewHandler(&orchestratorMock{}, WithBreakers(reg), WithMetrics(metrics))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Breakers []guard.Snapshot `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Breakers, 2)
	assert.Equal(t, "account", resp.Breakers[0].Dependency)
	assert.Equal(t, guard.StateClosed.String(), resp.Breakers[0].State)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), "transfer_saga_total")
}

type brokenStats struct{}

func (brokenStats) Totals(context.Context) (infra.Counters, error) {
	return infra.Counters{}, errors.New("redis down")
}

func TestRateLimitStatsRoute(t *testing.T) {
	store := infra.NewMemoryStatsStore()
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, domain.StatsEvent{Key: "user:u-1", Allowed: true}))
	require.NoError(t, store.Record(ctx, domain.StatsEvent{Key: "user:u-1", Allowed: true, FailedOpen: true}))
	require.NoError(t, store.Record(ctx, domain.StatsEvent{Key: "user:u-1"}))

	h := NewHandler(&orchestratorMock{}, WithRateLimitStats(store), WithLogger(quietLogger()))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ratelimit/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"allowed":2,"denied":1,"failedOpen":1}`, rr.Body.String())

	h = NewHandler(&orchestratorMock{}, WithRateLimitStats(brokenStats{}), WithLogger(quietLogger()))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ratelimit/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"error":"rate limit stats unavailable"}`, rr.Body.String())

	h = NewHandler(&orchestratorMock{})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ratelimit/stats", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
