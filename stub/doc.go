// Package stub simula os serviços remotos usados pela saga (usuários, contas,
// transferências, transações e notificações) em memória, com injeção de falhas.
// Serve o binário stub-services e os testes de integração dos clients.
package stub
