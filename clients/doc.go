// Package clients implementa os clients HTTP dos serviços dos quais a saga de
// transferência depende (usuários, contas, transferências, transações e
// notificações).
//
// Toda chamada passa por um guard.Guard (circuit breaker + timeout + fallback)
// e toda resposta é normalizada na taxonomia de erros do pacote saga:
//
//   - 404 → saga.ErrNotFound
//   - >= 400 → *saga.DependencyError (corpo {code, message} do serviço remoto)
//   - transporte, timeout ou breaker aberto → saga.ErrUnavailable
//
// Leituras de uma entidade e mutações repassam a indisponibilidade para o
// chamador; a listagem de contas degrada para lista vazia.
package clients
