// Package infra contém as implementações concretas dos contratos do pacote domain.
//
//   - RedisCounterStore / MemoryCounterStore: contadores da janela fixa
//   - TokenBucket: limiter alternativo usando golang.org/x/time/rate
//   - ChanPool: semáforo para o limite de sagas simultâneas
//   - RedisStatsStore / MemoryStatsStore / TeeStats: estatísticas das decisões
package infra
