package domain

import (
	"context"
	"errors"
)

// ErrNoSlot indica que nenhuma vaga foi liberada dentro do prazo de aquisição.
var ErrNoSlot = errors.New("no slot available")

// SlotPool representa um recurso com capacidade finita (ex: sagas em andamento).
//
// A semântica é: Acquire bloqueia até conseguir uma vaga ou até o ctx encerrar.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	Acquire(ctx context.Context) (release func(), ok bool)
}

// SlotGauge é implementado por pools que sabem quantas vagas estão em uso.
type SlotGauge interface {
	InUse() int
	Capacity() int
}
