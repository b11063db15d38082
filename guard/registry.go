package guard

import (
	"slices"
	"strings"
	"sync"
)

// Registry mantém um CircuitBreaker de vida longa por dependência.
// Os breakers são criados sob demanda e nunca removidos.
type Registry struct {
	cfg       Config
	overrides map[string]Config
	opts      []Option

	breakers sync.Map // nome -> *CircuitBreaker
}

type RegistryOption func(*Registry)

// WithOverride define uma configuração específica para uma dependência.
func WithOverride(name string, cfg Config) RegistryOption {
	return func(r *Registry) { r.overrides[name] = cfg }
}

// WithBreakerOptions repassa opções (clock, logger, listeners) para todo breaker criado.
func WithBreakerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:       cfg,
		overrides: make(map[string]Config),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get devolve o breaker da dependência, criando se necessário.
func (r *Registry) Get(name string) *CircuitBreaker {
	if b, ok := r.breakers.Load(name); ok {
		return b.(*CircuitBreaker)
	}

	cfg := r.cfg
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}
	b, _ := r.breakers.LoadOrStore(name, NewCircuitBreaker(name, cfg, r.opts...))
	return b.(*CircuitBreaker)
}

// Snapshots devolve o estado de todos os breakers criados, ordenado por nome.
func (r *Registry) Snapshots() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(_, v any) bool {
		out = append(out, v.(*CircuitBreaker).Snapshot())
		return true
	})
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Dependency, b.Dependency) })
	return out
}

// ResetAll fecha todos os breakers.
func (r *Registry) ResetAll() {
	r.breakers.Range(func(_, v any) bool {
		v.(*CircuitBreaker).Reset()
		return true
	})
}
