package clients

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Nomes lógicos das dependências. Também nomeiam os circuit breakers.
const (
	UserService         = "user"
	AccountService      = "account"
	FundTransferService = "fundtransfer"
	TransactionService  = "transaction"
	NotificationService = "notification"
)

// Names lista todas as dependências conhecidas.
func Names() []string {
	return []string{UserService, AccountService, FundTransferService, TransactionService, NotificationService}
}

var ErrUnknownDependency = errors.New("unknown dependency")

// Resolver traduz o nome lógico de uma dependência na URL base dela.
type Resolver interface {
	Resolve(name string) (string, error)
}

// StaticResolver é descoberta estática: nome → URL base vinda da configuração.
type StaticResolver map[string]string

func (r StaticResolver) Resolve(name string) (string, error) {
	base, ok := r[name]
	if !ok || strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownDependency, name)
	}
	return strings.TrimRight(base, "/"), nil
}

// Validate confere se todas as URLs existem e são absolutas.
func (r StaticResolver) Validate(names ...string) error {
	var errs []error
	for _, name := range names {
		base, err := r.Resolve(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("dependency %s: invalid url %q", name, base))
		}
	}
	return errors.Join(errs...)
}
