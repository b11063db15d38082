package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do rate limit.
//
// Method/Path são strings genéricas; a chave só deve ser persistida quando
// a cardinalidade estiver sob controle (track_keys).
type StatsEvent struct {
	Key     Key
	Allowed bool
	// FailedOpen marca decisões liberadas porque o limiter falhou.
	FailedOpen bool

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas do rate limit.
//
// O middleware trata erro como best-effort (não derruba request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
