// Package guard protege chamadas a dependências remotas com circuit breaker,
// timeout e fallback.
//
// Visão geral:
//
//   - CircuitBreaker: máquina de estados CLOSED/OPEN/HALF_OPEN com janela
//     deslizante (por contagem) dos últimos N resultados
//   - Registry: um breaker de vida longa por nome de dependência, compartilhado
//     entre todas as sagas que chamam essa dependência
//   - Guard + Call: consulta o breaker, executa a operação com timeout, registra
//     o resultado e aciona o fallback quando a chamada é rejeitada ou falha
//
// Fluxo de Call:
//
//  1. Breaker OPEN (cooldown não expirou): fallback(ErrBreakerOpen), sem chamar a operação
//  2. CLOSED ou HALF_OPEN com vaga de probe: executa com timeout
//  3. Timeout ou erro classificado como falha: conta falha e chama o fallback
//  4. Qualquer outro retorno conta como sucesso e volta como está
package guard
