package guard

// outcomeWindow guarda os últimos N resultados em um ring buffer.
// true = falha. Não é thread-safe: o breaker protege com o próprio mutex.
type outcomeWindow struct {
	outcomes []bool
	next     int
	count    int
	failures int
}

func newOutcomeWindow(size int) *outcomeWindow {
	return &outcomeWindow{outcomes: make([]bool, size)}
}

func (w *outcomeWindow) record(failed bool) {
	if w.count == len(w.outcomes) {
		// janela cheia: o resultado mais antigo sai
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.count++
	}

	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

// failureRate em porcentagem (0..100).
func (w *outcomeWindow) failureRate() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.failures) * 100 / float64(w.count)
}

func (w *outcomeWindow) reset() {
	clear(w.outcomes)
	w.next, w.count, w.failures = 0, 0, 0
}
