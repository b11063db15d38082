package saga

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLocker é um AccountLocker de processo único: um semáforo de capacidade
// 1 por conta. Entradas sem dono são descartadas no unlock.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*accountSlot
}

type accountSlot struct {
	sem     chan struct{}
	waiters int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*accountSlot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, accountID string) (func(context.Context) error, error) {
	l.mu.Lock()
	slot, ok := l.slots[accountID]
	if !ok {
		slot = &accountSlot{sem: make(chan struct{}, 1)}
		l.slots[accountID] = slot
	}
	slot.waiters++
	l.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		l.leave(accountID, slot)
		return nil, fmt.Errorf("%w: %s", ErrAccountBusy, accountID)
	}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			<-slot.sem
			l.leave(accountID, slot)
		})
		return nil
	}, nil
}

func (l *MemoryLocker) leave(accountID string, slot *accountSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.waiters--
	if slot.waiters == 0 {
		delete(l.slots, accountID)
	}
}

// held devolve quantas contas têm lock ou espera (testes).
func (l *MemoryLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
