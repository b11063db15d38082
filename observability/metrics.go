// Package observability expõe as métricas Prometheus do serviço: chamadas
// protegidas e estado dos breakers, desfecho das sagas e decisões de rate limit.
package observability

import (
	"context"
	"net/http"
	"time"

	"transfer-saga/guard"
	"transfer-saga/middleware/ratelimit/domain"
	"transfer-saga/saga"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "transfer"

// Metrics implementa guard.Observer, saga.Recorder e domain.StatsStore sobre
// um registry próprio; cada instância é independente (testes não colidem).
type Metrics struct {
	reg *prometheus.Registry

	// dependency, outcome
	calls *prometheus.CounterVec
	// dependency
	callDuration *prometheus.HistogramVec
	// dependency (0=closed, 1=open, 2=half-open)
	breakerState *prometheus.GaugeVec
	// dependency, from, to
	transitions *prometheus.CounterVec

	// status, failed_step
	sagas        *prometheus.CounterVec
	sagaDuration *prometheus.HistogramVec

	// decision (allowed, denied, failed_open)
	rateDecisions *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "calls_total",
			Help:      "Guarded dependency calls by outcome",
		}, []string{"dependency", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "call_duration_seconds",
			Help:      "Guarded dependency call latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"dependency"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"dependency"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		}, []string{"dependency", "from", "to"}),
		sagas: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "total",
			Help:      "Transfer sagas by terminal status and failed step",
		}, []string{"status", "failed_step"}),
		sagaDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "saga",
			Name:      "duration_seconds",
			Help:      "Transfer saga duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),
		rateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions",
		}, []string{"decision"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveCall(dependency string, outcome guard.Outcome, elapsed time.Duration) {
	m.calls.WithLabelValues(dependency, string(outcome)).Inc()
	if outcome != guard.OutcomeRejected {
		m.callDuration.WithLabelValues(dependency).Observe(elapsed.Seconds())
	}
}

// BreakerStateChanged tem a assinatura de guard.StateListener.
func (m *Metrics) BreakerStateChanged(dependency string, from, to guard.State) {
	m.breakerState.WithLabelValues(dependency).Set(float64(to))
	m.transitions.WithLabelValues(dependency, from.String(), to.String()).Inc()
}

// InitBreakers publica o estado atual de cada breaker já criado no registry,
// para o gauge existir antes da primeira transição.
func (m *Metrics) InitBreakers(reg *guard.Registry, names ...string) {
	for _, name := range names {
		m.breakerState.WithLabelValues(name).Set(float64(reg.Get(name).State()))
	}
}

func (m *Metrics) ObserveSaga(status saga.Status, failedStep saga.StepName, elapsed time.Duration) {
	m.sagas.WithLabelValues(string(status), string(failedStep)).Inc()
	m.sagaDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// Record conta a decisão sem a chave do cliente (cardinalidade).
func (m *Metrics) Record(_ context.Context, ev domain.StatsEvent) error {
	switch {
	case !ev.Allowed:
		m.rateDecisions.WithLabelValues("denied").Inc()
	case ev.FailedOpen:
		m.rateDecisions.WithLabelValues("failed_open").Inc()
	default:
		m.rateDecisions.WithLabelValues("allowed").Inc()
	}
	return nil
}

// WatchSlots expõe a ocupação do limite de concorrência.
func (m *Metrics) WatchSlots(g domain.SlotGauge) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "concurrency",
		Name:      "in_use",
		Help:      "Transfers currently holding a concurrency slot",
	}, func() float64 { return float64(g.InUse()) })
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "concurrency",
		Name:      "capacity",
		Help:      "Concurrency slot capacity",
	}, func() float64 { return float64(g.Capacity()) })
}

var (
	_ guard.Observer    = (*Metrics)(nil)
	_ saga.Recorder     = (*Metrics)(nil)
	_ domain.StatsStore = (*Metrics)(nil)
)
