package saga

import (
	"errors"
	"fmt"
	"strings"
)

// Falhas de dependência. Os clients normalizam todo erro remoto nestas formas
// antes de chegar ao orquestrador.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("service unavailable")
)

// Falhas de pré-condição: detectadas pelo orquestrador a partir de leituras
// bem-sucedidas. Encerram a saga como FAILED e não são repetidas.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrOwnershipViolation = errors.New("source account does not belong to user")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountBusy        = errors.New("account is busy with another transfer")
)

// ErrValidation marca pedidos malformados, rejeitados antes de qualquer chamada.
var ErrValidation = errors.New("invalid transfer request")

// UnavailableError é uma falha de transporte, timeout ou breaker aberto.
// Satisfaz errors.Is(err, ErrUnavailable) e preserva a causa.
type UnavailableError struct {
	Dependency string
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return e.Dependency + ": " + ErrUnavailable.Error()
	}
	return e.Dependency + ": " + ErrUnavailable.Error() + ": " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnavailable}
	}
	return []error{ErrUnavailable, e.Err}
}

// Unavailable embrulha err como indisponibilidade da dependência.
func Unavailable(dependency string, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) && ue.Dependency == dependency {
		return err
	}
	return &UnavailableError{Dependency: dependency, Err: err}
}

// DependencyError é uma resposta >= 400 (exceto 404) de uma dependência.
type DependencyError struct {
	Dependency string
	Status     int
	Code       string
	Message    string
}

func (e *DependencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s responded %d", e.Dependency, e.Status)
	if e.Code != "" {
		b.WriteString(" " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// IsDependencyFailure diz se err deve contar como falha da dependência no
// circuit breaker. Not found e erros 4xx são respostas válidas da dependência.
func IsDependencyFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	var de *DependencyError
	if errors.As(err, &de) {
		return de.Status >= 500 || de.Status == 429
	}
	return true
}

// IsPrecondition diz se err é uma regra de negócio violada (não uma falha técnica).
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrOwnershipViolation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrAccountBusy)
}

// FieldError descreve um campo inválido do pedido.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Reason)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
