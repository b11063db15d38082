package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "transfer-saga/saga"

// Dependencies reúne os clients usados pela saga de transferência.
type Dependencies struct {
	Users         UserService
	Accounts      AccountService
	Transfers     FundTransferService
	Transactions  TransactionService
	Notifications NotificationService
}

type Option func(*Orchestrator)

// WithTimeout limita a saga inteira. 0 desliga.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithStepTimeout limita esperas locais dentro da saga (aquisição de lock).
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithCompensation liga a reversão da transferência (passo 6) quando o
// registro da transação (passo 7) falha. Desligado, a saga termina FAILED e a
// transferência já iniciada fica como está.
func WithCompensation(enabled bool, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.compensate = enabled
		if timeout > 0 {
			o.compensationTimeout = timeout
		}
	}
}

// WithAccountLocker serializa sagas sobre a mesma conta de origem, do
// momento da leitura do saldo até o registro da transação.
func WithAccountLocker(l AccountLocker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithParallelAccountLookup busca conta de origem e destino em paralelo.
func WithParallelAccountLookup(enabled bool) Option {
	return func(o *Orchestrator) { o.parallelLookup = enabled }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithIDGenerator troca o gerador de sagaId (testes).
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator executa a saga de transferência: uma sequência fixa de chamadas
// remotas, sem transação compartilhada entre os serviços.
//
// Cada invocação é independente; o único estado compartilhado entre sagas
// concorrentes fica nos clients (circuit breakers) e no AccountLocker.
type Orchestrator struct {
	deps Dependencies

	timeout             time.Duration
	stepTimeout         time.Duration
	compensate          bool
	compensationTimeout time.Duration
	parallelLookup      bool
	locker              AccountLocker

	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
	newID    func() string
}

func NewOrchestrator(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Users == nil:
		return nil, errors.New("saga: user service is required")
	case deps.Accounts == nil:
		return nil, errors.New("saga: account service is required")
	case deps.Transfers == nil:
		return nil, errors.New("saga: fund transfer service is required")
	case deps.Transactions == nil:
		return nil, errors.New("saga: transaction service is required")
	case deps.Notifications == nil:
		return nil, errors.New("saga: notification service is required")
	}

	o := &Orchestrator{
		deps:                deps,
		timeout:             30 * time.Second,
		stepTimeout:         time.Second,
		compensationTimeout: 10 * time.Second,
		logger:              slog.Default(),
		tracer:              otel.Tracer(tracerName),
		newID:               uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// OrchestrateTransfer executa a saga e sempre devolve um Result terminal
// (COMPLETED ou FAILED); nunca entra em pânico por erro de dependência.
//
// Passos, nesta ordem e só avançando se o anterior teve sucesso:
//  1. busca o usuário
//  2. busca a conta de origem
//  3. busca a conta de destino
//  4. confere se a conta de origem pertence ao usuário
//  5. confere o saldo
//  6. inicia a transferência
//  7. registra a transação
//  8. envia notificação (best-effort: falha não muda o desfecho)
func (o *Orchestrator) OrchestrateTransfer(ctx context.Context, req TransferRequest) Result {
	exec := newExecution(o.newID(), req)
	logger := o.logger.With("saga_id", exec.ID)
	started := time.Now()

	ctx, span := o.tracer.Start(ctx, "saga.transfer", trace.WithAttributes(
		attribute.String("saga.id", exec.ID),
		attribute.String("saga.user_id", req.UserID),
	))
	defer span.End()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	if err := req.Validate(); err != nil {
		o.terminate(ctx, exec, "", err, logger)
		return o.finish(exec, span, started, logger)
	}

	if err := exec.start(ctx); err != nil {
		o.terminate(ctx, exec, "", err, logger)
		return o.finish(exec, span, started, logger)
	}
	logger.InfoContext(ctx, "transfer saga started",
		"user_id", req.UserID,
		"from_account", req.FromAccountID,
		"to_account", req.ToAccountID,
		"amount", req.Amount.String(),
	)

	if step, err := o.run(ctx, exec, logger); err != nil {
		o.terminate(ctx, exec, step, err, logger)
	} else if err := exec.complete(ctx, "transfer completed successfully"); err != nil {
		logger.ErrorContext(ctx, "saga state machine rejected completion", "error", err)
	}

	return o.finish(exec, span, started, logger)
}

func (o *Orchestrator) terminate(ctx context.Context, exec *Execution, step StepName, err error, logger *slog.Logger) {
	if ferr := exec.fail(ctx, step, err, failureMessage(step, err)); ferr != nil {
		logger.ErrorContext(ctx, "saga state machine rejected failure", "error", ferr)
	}
}

func (o *Orchestrator) finish(exec *Execution, span trace.Span, started time.Time, logger *slog.Logger) Result {
	res := exec.result()
	elapsed := time.Since(started)

	span.SetAttributes(attribute.String("saga.status", string(res.Status)))
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Message)
		logger.Warn("transfer saga failed",
			"failed_step", res.FailedStep,
			"message", res.Message,
			"error", res.Err,
			"elapsed", elapsed,
		)
	} else {
		logger.Info("transfer saga completed", "elapsed", elapsed)
	}

	if o.recorder != nil {
		o.recorder.ObserveSaga(res.Status, res.FailedStep, elapsed)
	}
	return res
}

// run executa os passos e devolve o passo que falhou junto com o erro classificado.
func (o *Orchestrator) run(ctx context.Context, exec *Execution, logger *slog.Logger) (StepName, error) {
	req := exec.Request

	// 1
	user, err := runStep(ctx, o, exec, StepFetchUser, func(ctx context.Context) (*User, error) {
		return o.deps.Users.GetUser(ctx, req.UserID)
	})
	if err != nil {
		return StepFetchUser, notFoundAs(err, ErrUserNotFound, req.UserID)
	}

	// o lock cobre do passo 2 ao 7; a notificação roda sem ele
	release := func() {}
	if o.locker != nil {
		unlock, err := o.lockSource(ctx, exec)
		if err != nil {
			return StepLockSourceAccount, err
		}
		var once sync.Once
		release = func() {
			once.Do(func() {
				uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stepTimeout)
				defer cancel()
				if err := unlock(uctx); err != nil {
					logger.Warn("failed to release account lock", "account_id", req.FromAccountID, "error", err)
				}
			})
		}
		defer release()
	}

	// 2 e 3
	from, to, step, err := o.fetchAccounts(ctx, exec)
	if err != nil {
		return step, err
	}

	// 4
	if _, err := runStep(ctx, o, exec, StepCheckOwnership, func(context.Context) (string, error) {
		if from.OwnerID != req.UserID {
			return "", fmt.Errorf("%w: account %s, user %s", ErrOwnershipViolation, from.ID, req.UserID)
		}
		return from.OwnerID, nil
	}); err != nil {
		return StepCheckOwnership, err
	}

	// 5
	if _, err := runStep(ctx, o, exec, StepCheckBalance, func(context.Context) (string, error) {
		if from.Balance.LessThan(req.Amount) {
			return "", fmt.Errorf("%w: account %s cannot cover %s", ErrInsufficientFunds, from.ID, req.Amount.String())
		}
		return from.Balance.Sub(req.Amount).String(), nil
	}); err != nil {
		return StepCheckBalance, err
	}

	// 6
	transfer, err := runStep(ctx, o, exec, StepInitiateTransfer, func(ctx context.Context) (*Transfer, error) {
		return o.deps.Transfers.InitiateTransfer(ctx, TransferOrder{
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        req.Amount,
		})
	})
	if err != nil {
		return StepInitiateTransfer, err
	}

	// 7
	if _, err := runStep(ctx, o, exec, StepRecordTransaction, func(ctx context.Context) (*Transaction, error) {
		return o.deps.Transactions.RecordTransaction(ctx, TransactionRecord{
			UserID:        req.UserID,
			FromAccountID: from.ID,
			ToAccountID:   to.ID,
			Amount:        req.Amount,
			Type:          TransactionTransfer,
			TransferID:    transfer.ID,
		})
	}); err != nil {
		if o.compensate {
			o.compensateTransfer(ctx, exec, transfer, logger)
		} else {
			logger.WarnContext(ctx, "transaction record failed after transfer was initiated; no compensation configured",
				"transfer_id", transfer.ID)
		}
		return StepRecordTransaction, err
	}

	release()

	// 8
	o.notify(ctx, exec, user, logger)
	return "", nil
}

func (o *Orchestrator) lockSource(ctx context.Context, exec *Execution) (func(context.Context) error, error) {
	return runStep(ctx, o, exec, StepLockSourceAccount, func(ctx context.Context) (func(context.Context) error, error) {
		lctx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
		return o.locker.Lock(lctx, exec.Request.FromAccountID)
	})
}

func (o *Orchestrator) fetchAccount(ctx context.Context, exec *Execution, step StepName, id string) (*Account, error) {
	acc, err := runStep(ctx, o, exec, step, func(ctx context.Context) (*Account, error) {
		return o.deps.Accounts.GetAccount(ctx, id)
	})
	if err != nil {
		return nil, notFoundAs(err, ErrAccountNotFound, id)
	}
	return acc, nil
}

func (o *Orchestrator) fetchAccounts(ctx context.Context, exec *Execution) (from, to *Account, failed StepName, err error) {
	req := exec.Request

	if !o.parallelLookup {
		if from, err = o.fetchAccount(ctx, exec, StepFetchSourceAccount, req.FromAccountID); err != nil {
			return nil, nil, StepFetchSourceAccount, err
		}
		if to, err = o.fetchAccount(ctx, exec, StepFetchDestinationAccount, req.ToAccountID); err != nil {
			return nil, nil, StepFetchDestinationAccount, err
		}
		return from, to, "", nil
	}

	// sem cancelamento cruzado: o erro reportado é sempre o da origem primeiro,
	// independente de qual busca terminar antes.
	var g errgroup.Group
	var fromErr, toErr error
	g.Go(func() error {
		from, fromErr = o.fetchAccount(ctx, exec, StepFetchSourceAccount, req.FromAccountID)
		return nil
	})
	g.Go(func() error {
		to, toErr = o.fetchAccount(ctx, exec, StepFetchDestinationAccount, req.ToAccountID)
		return nil
	})
	_ = g.Wait()

	switch {
	case fromErr != nil:
		return nil, nil, StepFetchSourceAccount, fromErr
	case toErr != nil:
		return nil, nil, StepFetchDestinationAccount, toErr
	}
	return from, to, "", nil
}

// compensateTransfer emite a transferência reversa. Roda mesmo se o prazo da
// saga já tiver estourado, com orçamento próprio.
func (o *Orchestrator) compensateTransfer(ctx context.Context, exec *Execution, t *Transfer, logger *slog.Logger) {
	req := exec.Request
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.compensationTimeout)
	defer cancel()

	reversal, err := runStep(cctx, o, exec, StepCompensateTransfer, func(ctx context.Context) (*Transfer, error) {
		return o.deps.Transfers.InitiateTransfer(ctx, TransferOrder{
			FromAccountID: req.ToAccountID,
			ToAccountID:   req.FromAccountID,
			Amount:        req.Amount,
			Reference:     t.ID,
		})
	})
	if err != nil {
		exec.annotate("reversal of transfer " + t.ID + " failed, manual reconciliation required")
		logger.ErrorContext(ctx, "compensating transfer failed; manual reconciliation required",
			"transfer_id", t.ID, "error", err)
		return
	}
	exec.annotate("transfer " + t.ID + " was reversed")
	logger.InfoContext(ctx, "transfer compensated", "transfer_id", t.ID, "reversal_id", reversal.ID)
}

func (o *Orchestrator) notify(ctx context.Context, exec *Execution, user *User, logger *slog.Logger) {
	req := exec.Request
	text := fmt.Sprintf("Transfer of %s from account %s to account %s completed.",
		req.Amount.StringFixed(2), req.FromAccountID, req.ToAccountID)
	if req.Message != "" {
		text += " Message: " + req.Message
	}

	if _, err := runStep(ctx, o, exec, StepSendNotification, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.deps.Notifications.SendNotification(ctx, user.ID, text)
	}); err != nil {
		logger.WarnContext(ctx, "notification failed; transfer outcome unchanged", "error", err)
	}
}

// runStep executa um passo, registra o resultado na Execution e abre um span.
func runStep[T any](ctx context.Context, o *Orchestrator, exec *Execution, step StepName, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := o.tracer.Start(ctx, "saga.step", trace.WithAttributes(
		attribute.String("saga.id", exec.ID),
		attribute.String("saga.step", string(step)),
	))
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		exec.record(step, nil, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.DebugContext(ctx, "saga step failed", "saga_id", exec.ID, "step", step, "error", err)
		return v, err
	}

	exec.record(step, v, nil)
	o.logger.DebugContext(ctx, "saga step succeeded", "saga_id", exec.ID, "step", step)
	return v, nil
}

// notFoundAs converte ErrNotFound de uma leitura no erro de pré-condição do passo.
func notFoundAs(err, precondition error, id string) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %s", precondition, id)
	}
	return err
}

// failureMessage monta a mensagem para o usuário. Falhas de dependência recebem
// uma mensagem genérica; a causa fica no log.
func failureMessage(step StepName, err error) string {
	var de *DependencyError
	switch {
	case errors.Is(err, ErrValidation):
		return err.Error()
	case IsPrecondition(err):
		return err.Error()
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Sprintf("%s failed: service unavailable, please try again later", step)
	case errors.As(err, &de):
		if de.Message != "" {
			return fmt.Sprintf("%s failed: %s", step, de.Message)
		}
		return fmt.Sprintf("%s failed: %s rejected the request", step, de.Dependency)
	default:
		return fmt.Sprintf("%s failed: internal error", step)
	}
}
