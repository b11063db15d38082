// Package application contém os casos de uso do controle de admissão:
// janela fixa por identidade (FixedWindow), decisão com fail-open
// (Service) e limite de sagas simultâneas (ConcurrencyService).
//
// Depende apenas do pacote domain e não conhece net/http.
package application
