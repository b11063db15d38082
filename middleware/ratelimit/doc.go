// Package ratelimit fornece o controle de admissão HTTP (net/http) do serviço
// de transferências: rate limit por identidade e limite de sagas simultâneas.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: janela fixa, decisão com fail-open, acquire com timeout
//   - infra: contadores redis/memória, token bucket, semáforo, estatísticas
//   - ratelimit (este pacote): middlewares HTTP + extração de chave + status/headers
//
// Fluxo em POST /transfers:
//
//  1. Resolve a identidade (principal, header, X-Forwarded-For, RemoteAddr)
//  2. Pede a decisão à camada application
//  3. Se bloqueado, responde 429 (rate limit) ou 503 (concorrência)
//  4. Se permitido, chama o handler da saga
package ratelimit
