package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"time"
)

// Key identifica o cliente limitado (principal autenticado, IP, etc).
type Key string

// Limiter decide se uma ação da chave é permitida agora.
//
// A implementação pode ser janela fixa com contador persistido, token-bucket, etc.
// Erro significa que a decisão não pôde ser tomada (ex: store fora do ar);
// quem chama escolhe entre fail-open e fail-closed.
type Limiter interface {
	Allow(ctx context.Context, key Key) (Decision, error)
}

// CounterStore guarda contadores com expiração. As chaves já chegam
// prontas (identidade + início da janela); o store não interpreta.
type CounterStore interface {
	// Get devolve o valor atual; chave inexistente ou expirada vale 0.
	Get(ctx context.Context, key string) (int64, error)
	// Incr soma 1 e devolve o novo valor. O TTL é aplicado na criação da chave.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type Decision struct {
	Allowed bool
	// Limit e Remaining alimentam os headers X-RateLimit-*. Limit 0 = desconhecido.
	Limit     int
	Remaining int
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}
