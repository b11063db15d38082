// Package api expõe a saga de transferência por HTTP: POST /transfers, mais
// as rotas operacionais /healthz, /breakers e /metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"transfer-saga/guard"
	"transfer-saga/middleware/ratelimit/infra"
	"transfer-saga/saga"
)

// maxBodyBytes limita o corpo de POST /transfers.
const maxBodyBytes = 64 << 10

type Orchestrator interface {
	OrchestrateTransfer(ctx context.Context, req saga.TransferRequest) saga.Result
}

// RateLimitStats é o store de estatísticas do rate limit exposto em
// GET /ratelimit/stats (memória ou redis).
type RateLimitStats interface {
	Totals(ctx context.Context) (infra.Counters, error)
}

type Option func(*Handler)

func WithBreakers(reg *guard.Registry) Option {
	return func(h *Handler) { h.breakers = reg }
}

func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithTransferMiddleware envolve só POST /transfers (rate limit, concorrência).
// O primeiro da lista é o mais externo.
func WithTransferMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(h *Handler) { h.transferMW = append(h.transferMW, mw...) }
}

func WithRateLimitStats(s RateLimitStats) Option {
	return func(h *Handler) { h.stats = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

type Handler struct {
	orch       Orchestrator
	breakers   *guard.Registry
	metrics    http.Handler
	stats      RateLimitStats
	transferMW []func(http.Handler) http.Handler
	logger     *slog.Logger

	mux *http.ServeMux
}

func NewHandler(orch Orchestrator, opts ...Option) *Handler {
	h := &Handler{orch: orch, logger: slog.Default(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}

	var transfers http.Handler = http.HandlerFunc(h.createTransfer)
	for i := len(h.transferMW) - 1; i >= 0; i-- {
		transfers = h.transferMW[i](transfers)
	}
	h.mux.Handle("POST /transfers", transfers)

	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.breakers != nil {
		h.mux.HandleFunc("GET /breakers", h.listBreakers)
	}
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
	if h.stats != nil {
		h.mux.HandleFunc("GET /ratelimit/stats", h.rateLimitStats)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type stepView struct {
	Step      saga.StepName `json:"step"`
	Succeeded bool          `json:"succeeded"`
	Error     string        `json:"error,omitempty"`
}

type transferResponse struct {
	SagaID  string      `json:"sagaId"`
	Status  saga.Status `json:"status"`
	Message string      `json:"message"`
	Steps   []stepView  `json:"steps"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields []saga.FieldError `json:"fields,omitempty"`
}

func (h *Handler) createTransfer(w http.ResponseWriter, r *http.Request) {
	var req saga.TransferRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body: " + err.Error()})
		return
	}

	res := h.orch.OrchestrateTransfer(r.Context(), req)

	var verr *saga.ValidationError
	if errors.As(res.Err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: res.Message, Fields: verr.Fields})
		return
	}

	status := statusFor(res)
	if status >= http.StatusInternalServerError {
		h.logger.WarnContext(r.Context(), "transfer failed on a dependency",
			"saga_id", res.SagaID, "failed_step", string(res.FailedStep), "error", res.Err)
	}
	writeJSON(w, status, toResponse(res))
}

// statusFor: COMPLETED 200; regra de negócio ou recusa da dependência 422;
// dependência fora do ar 503; resto 500.
func statusFor(res saga.Result) int {
	if res.Status == saga.StatusCompleted {
		return http.StatusOK
	}
	if saga.IsPrecondition(res.Err) {
		return http.StatusUnprocessableEntity
	}
	if errors.Is(res.Err, saga.ErrUnavailable) ||
		errors.Is(res.Err, context.DeadlineExceeded) ||
		errors.Is(res.Err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	var de *saga.DependencyError
	if errors.As(res.Err, &de) {
		if de.Status < http.StatusInternalServerError {
			return http.StatusUnprocessableEntity
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func toResponse(res saga.Result) transferResponse {
	steps := make([]stepView, 0, len(res.Order))
	for _, name := range res.Order {
		out := res.Steps[name]
		v := stepView{Step: name, Succeeded: out.Succeeded()}
		if out.Err != nil {
			v.Error = out.Err.Error()
		}
		steps = append(steps, v)
	}
	return transferResponse{
		SagaID:  res.SagaID,
		Status:  res.Status,
		Message: res.Message,
		Steps:   steps,
	}
}

func (h *Handler) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": h.breakers.Snapshots()})
}

func (h *Handler) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.stats.Totals(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "rate limit stats unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "rate limit stats unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
