package saga

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TransferRequest é imutável depois de criado pelo chamador.
type TransferRequest struct {
	UserID        string          `json:"userId" validate:"required,max=64"`
	FromAccountID string          `json:"fromAccountId" validate:"required,max=64"`
	ToAccountID   string          `json:"toAccountId" validate:"required,max=64,nefield=FromAccountID"`
	Amount        decimal.Decimal `json:"amount"`
	Message       string          `json:"message,omitempty" validate:"max=280"`
}

// Entidades devolvidas pelas dependências.

type User struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type Account struct {
	ID      string          `json:"id"`
	OwnerID string          `json:"ownerId"`
	Balance decimal.Decimal `json:"balance"`
}

type TransferOrder struct {
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	// Reference liga uma reversão à transferência original.
	Reference string `json:"reference,omitempty"`
}

type Transfer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type TransactionType string

const TransactionTransfer TransactionType = "TRANSFER"

type TransactionRecord struct {
	UserID        string          `json:"userId"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Type          TransactionType `json:"type"`
	TransferID    string          `json:"transferId,omitempty"`
}

type Transaction struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// Contratos das dependências, do ponto de vista da saga. Os erros devolvidos
// já estão normalizados na taxonomia deste pacote (ErrNotFound,
// ErrUnavailable, *DependencyError).

type UserService interface {
	GetUser(ctx context.Context, id string) (*User, error)
}

type AccountService interface {
	GetAccount(ctx context.Context, id string) (*Account, error)
}

type FundTransferService interface {
	InitiateTransfer(ctx context.Context, order TransferOrder) (*Transfer, error)
}

type TransactionService interface {
	RecordTransaction(ctx context.Context, rec TransactionRecord) (*Transaction, error)
}

type NotificationService interface {
	SendNotification(ctx context.Context, userID, text string) error
}

// AccountLocker dá exclusão mútua por conta entre sagas concorrentes.
// Lock devolve ErrAccountBusy se não conseguir a conta antes do ctx encerrar.
type AccountLocker interface {
	Lock(ctx context.Context, accountID string) (unlock func(context.Context) error, err error)
}

// Recorder recebe o desfecho de cada saga (metrics).
type Recorder interface {
	ObserveSaga(status Status, failedStep StepName, elapsed time.Duration)
}
