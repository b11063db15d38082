package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen é devolvido (e passado ao fallback) quando o breaker rejeita a chamada.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// State é o estado do circuit breaker.
//
//	CLOSED ──[taxa de falha >= limite]──► OPEN
//	   ▲                                   │ [OpenDuration]
//	   │                                   ▼
//	   └────[probes com sucesso]──── HALF_OPEN ──[probe falhou]──► OPEN
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Config controla quando o breaker abre e como ele se recupera.
type Config struct {
	// WindowSize é o tamanho da janela deslizante (últimas N chamadas).
	WindowSize int
	// MinimumCalls é o mínimo de amostras na janela antes de avaliar a taxa de falha.
	MinimumCalls int
	// FailureRateThreshold em porcentagem (ex: 50 = metade das chamadas falhando).
	FailureRateThreshold float64
	// OpenDuration é o cooldown em OPEN antes de liberar probes.
	OpenDuration time.Duration
	// HalfOpenProbes é o máximo de probes concorrentes em HALF_OPEN e também
	// quantos sucessos são necessários para fechar.
	HalfOpenProbes int
}

func DefaultConfig() Config {
	return Config{
		WindowSize:           20,
		MinimumCalls:         10,
		FailureRateThreshold: 50,
		OpenDuration:         30 * time.Second,
		HalfOpenProbes:       1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinimumCalls <= 0 {
		c.MinimumCalls = 1
	}
	if c.MinimumCalls > c.WindowSize {
		c.MinimumCalls = c.WindowSize
	}
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = def.FailureRateThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = def.OpenDuration
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = def.HalfOpenProbes
	}
	return c
}

// StateListener é chamado a cada transição, com o lock do breaker ainda preso:
// não pode bloquear nem chamar o breaker de volta.
type StateListener func(dependency string, from, to State)

type Option func(*CircuitBreaker)

// WithClock troca o relógio (testes de cooldown).
func WithClock(now func() time.Time) Option {
	return func(b *CircuitBreaker) { b.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *CircuitBreaker) { b.logger = l }
}

func WithStateListener(fn StateListener) Option {
	return func(b *CircuitBreaker) { b.listeners = append(b.listeners, fn) }
}

// CircuitBreaker de uma dependência. Seguro para uso concorrente; o lock é
// por breaker, então dependências diferentes nunca disputam o mesmo mutex.
type CircuitBreaker struct {
	name      string
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
	listeners []StateListener

	mu             sync.Mutex
	state          State
	generation     uint64
	window         *outcomeWindow
	openedAt       time.Time
	probesInFlight int
	probeSuccesses int
}

func NewCircuitBreaker(name string, cfg Config, opts ...Option) *CircuitBreaker {
	cfg = cfg.withDefaults()
	b := &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		state:  StateClosed,
		window: newOutcomeWindow(cfg.WindowSize),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *CircuitBreaker) Name() string   { return b.name }
func (b *CircuitBreaker) Config() Config { return b.cfg }

// Permit autoriza uma única chamada. Exatamente um de Success, Failure ou
// Ignore deve ser chamado; chamadas extras são ignoradas.
type Permit struct {
	b          *CircuitBreaker
	generation uint64
	probe      bool
	once       sync.Once
}

func (p *Permit) Success() { p.once.Do(func() { p.b.record(p, outcomeSuccess) }) }
func (p *Permit) Failure() { p.once.Do(func() { p.b.record(p, outcomeFailure) }) }

// Ignore libera a vaga de probe sem contar resultado (ex: chamador cancelou).
func (p *Permit) Ignore() { p.once.Do(func() { p.b.record(p, outcomeIgnored) }) }

// Probe indica se a chamada foi admitida como probe de HALF_OPEN.
func (p *Permit) Probe() bool { return p.probe }

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// Acquire pede permissão para uma chamada real.
// Retorna ErrBreakerOpen se OPEN dentro do cooldown ou se não há vaga de probe.
func (b *CircuitBreaker) Acquire() (*Permit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return &Permit{b: b, generation: b.generation}, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return nil, ErrBreakerOpen
		}
		b.transition(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			return nil, ErrBreakerOpen
		}
		b.probesInFlight++
		return &Permit{b: b, generation: b.generation, probe: true}, nil
	}

	return nil, ErrBreakerOpen
}

func (b *CircuitBreaker) record(p *Permit, o outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// resultado de uma chamada admitida em outro estado (ex: lenta, terminou
	// depois que o breaker já abriu): não afeta o estado atual.
	if p.generation != b.generation {
		return
	}

	if p.probe {
		b.probesInFlight--
	}
	if o == outcomeIgnored {
		return
	}

	switch b.state {
	case StateClosed:
		b.window.record(o == outcomeFailure)
		if b.window.count >= b.cfg.MinimumCalls && b.window.failureRate() >= b.cfg.FailureRateThreshold {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		if o == outcomeFailure {
			b.transition(StateOpen)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.transition(StateClosed)
		}
	}
}

// transition exige b.mu preso.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}

	b.state = to
	b.generation++
	b.probesInFlight = 0
	b.probeSuccesses = 0

	switch to {
	case StateOpen:
		b.openedAt = b.now()
	case StateClosed:
		b.window.reset()
	}

	b.logger.Info("circuit breaker state changed",
		"dependency", b.name,
		"from", from.String(),
		"to", to.String(),
		"failure_rate", b.window.failureRate(),
	)
	for _, fn := range b.listeners {
		fn(b.name, from, to)
	}
}

// State devolve o estado registrado. Um breaker OPEN com cooldown vencido só
// passa a HALF_OPEN na próxima Acquire.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot é uma visão de leitura do breaker (admin/metrics).
type Snapshot struct {
	Dependency  string    `json:"dependency"`
	State       string    `json:"state"`
	Calls       int       `json:"calls"`
	Failures    int       `json:"failures"`
	FailureRate float64   `json:"failureRate"`
	OpenedAt    time.Time `json:"openedAt,omitzero"`
}

func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Dependency:  b.name,
		State:       b.state.String(),
		Calls:       b.window.count,
		Failures:    b.window.failures,
		FailureRate: b.window.failureRate(),
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// Reset força CLOSED e limpa a janela.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transition(StateClosed)
	b.window.reset()
}
