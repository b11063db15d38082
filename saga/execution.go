package saga

import (
	"context"
	"fmt"
	"sync"

	"github.com/qmuntal/stateless"
)

// Status da saga: INITIATED → IN_PROGRESS → {COMPLETED | FAILED}.
// COMPLETED e FAILED são terminais.
type Status string

const (
	StatusInitiated  Status = "INITIATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

type StepName string

const (
	StepFetchUser               StepName = "fetchUser"
	StepLockSourceAccount       StepName = "lockSourceAccount"
	StepFetchSourceAccount      StepName = "fetchSourceAccount"
	StepFetchDestinationAccount StepName = "fetchDestinationAccount"
	StepCheckOwnership          StepName = "checkOwnership"
	StepCheckBalance            StepName = "checkBalance"
	StepInitiateTransfer        StepName = "initiateTransfer"
	StepRecordTransaction       StepName = "recordTransaction"
	StepSendNotification        StepName = "sendNotification"
	StepCompensateTransfer      StepName = "compensateTransfer"
)

const (
	triggerStart    = "start"
	triggerComplete = "complete"
	triggerFail     = "fail"
)

// StepOutcome é o resultado de um passo tentado: valor em caso de sucesso, erro caso contrário.
type StepOutcome struct {
	Value any
	Err   error
}

func (o StepOutcome) Succeeded() bool { return o.Err == nil }

// Execution é o contexto de uma saga em andamento. Pertence a uma única
// invocação de OrchestrateTransfer e morre com ela.
type Execution struct {
	ID      string
	Request TransferRequest

	fsm *stateless.StateMachine

	mu         sync.Mutex
	message    string
	err        error
	failedStep StepName
	note       string
	steps      map[StepName]StepOutcome
	order      []StepName
}

func newExecution(id string, req TransferRequest) *Execution {
	sm := stateless.NewStateMachine(StatusInitiated)
	sm.Configure(StatusInitiated).
		Permit(triggerStart, StatusInProgress).
		// pedido inválido falha antes de começar
		Permit(triggerFail, StatusFailed)
	sm.Configure(StatusInProgress).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusFailed)
	sm.Configure(StatusCompleted)
	sm.Configure(StatusFailed)

	return &Execution{
		ID:      id,
		Request: req,
		fsm:     sm,
		steps:   make(map[StepName]StepOutcome),
	}
}

func (e *Execution) Status() Status {
	return e.fsm.MustState().(Status)
}

func (e *Execution) fire(ctx context.Context, trigger string) error {
	if err := e.fsm.FireCtx(ctx, trigger); err != nil {
		return fmt.Errorf("saga %s: %w", e.ID, err)
	}
	return nil
}

func (e *Execution) start(ctx context.Context) error {
	return e.fire(ctx, triggerStart)
}

func (e *Execution) complete(ctx context.Context, message string) error {
	if err := e.fire(ctx, triggerComplete); err != nil {
		return err
	}
	e.mu.Lock()
	e.message = message
	e.mu.Unlock()
	return nil
}

func (e *Execution) fail(ctx context.Context, step StepName, err error, message string) error {
	if ferr := e.fire(ctx, triggerFail); ferr != nil {
		return ferr
	}
	e.mu.Lock()
	e.failedStep = step
	e.err = err
	e.message = message
	if e.note != "" {
		e.message += " (" + e.note + ")"
	}
	e.mu.Unlock()
	return nil
}

// annotate acrescenta uma observação à mensagem de falha.
func (e *Execution) annotate(note string) {
	e.mu.Lock()
	e.note = note
	e.mu.Unlock()
}

// record guarda o resultado de um passo. Seguro para passos concorrentes.
func (e *Execution) record(step StepName, value any, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, seen := e.steps[step]; !seen {
		e.order = append(e.order, step)
	}
	e.steps[step] = StepOutcome{Value: value, Err: err}
}

// Result é o desfecho terminal devolvido ao chamador.
type Result struct {
	SagaID     string
	Status     Status
	Message    string
	FailedStep StepName
	// Err é a causa classificada (nil se COMPLETED).
	Err   error
	Steps map[StepName]StepOutcome
	// Order é a ordem em que os passos foram tentados.
	Order []StepName
}

func (e *Execution) result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	steps := make(map[StepName]StepOutcome, len(e.steps))
	for k, v := range e.steps {
		steps[k] = v
	}
	return Result{
		SagaID:     e.ID,
		Status:     e.Status(),
		Message:    e.message,
		FailedStep: e.failedStep,
		Err:        e.err,
		Steps:      steps,
		Order:      append([]StepName(nil), e.order...),
	}
}
