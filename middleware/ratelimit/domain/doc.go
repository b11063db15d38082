// Package domain define contratos e tipos de domínio para rate limit e concorrência
// de entrada do serviço de transferências.
//
// Este pacote não depende de net/http nem de implementações concretas:
// Limiter e CounterStore descrevem a janela fixa, SlotPool o limite de
// sagas simultâneas e StatsStore o registro das decisões.
package domain
