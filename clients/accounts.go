package clients

import (
	"context"
	"net/http"
	"net/url"

	"transfer-saga/saga"

	"github.com/shopspring/decimal"
)

// AccountUpdate são os campos alteráveis de uma conta. Campos nil ficam como estão.
type AccountUpdate struct {
	OwnerID *string          `json:"ownerId,omitempty"`
	Balance *decimal.Decimal `json:"balance,omitempty"`
}

type AccountClient struct {
	ep endpoint
}

func NewAccountClient(opts Options) *AccountClient {
	return &AccountClient{ep: newEndpoint(AccountService, opts)}
}

func (c *AccountClient) GetAccount(ctx context.Context, id string) (*saga.Account, error) {
	a, err := read(ctx, c.ep, "/accounts/"+url.PathEscape(id), nil, reraise[*saga.Account](c.ep, "getAccount"))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, saga.Unavailable(c.ep.name, errEmptyResponse)
	}
	return a, nil
}

// ListAccountsByOwner é degradável: se o serviço estiver indisponível devolve
// lista vazia e nil.
func (c *AccountClient) ListAccountsByOwner(ctx context.Context, ownerID string) ([]saga.Account, error) {
	q := url.Values{"ownerId": []string{ownerID}}
	accs, err := read(ctx, c.ep, "/accounts", q, degrade(c.ep, "listAccounts", []saga.Account{}))
	if err != nil {
		return nil, err
	}
	if accs == nil {
		accs = []saga.Account{}
	}
	return accs, nil
}

func (c *AccountClient) UpdateAccount(ctx context.Context, id string, upd AccountUpdate) (*saga.Account, error) {
	a, err := mutate(ctx, c.ep, http.MethodPut, "/accounts/"+url.PathEscape(id), upd, reraise[*saga.Account](c.ep, "updateAccount"))
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, saga.Unavailable(c.ep.name, errEmptyResponse)
	}
	return a, nil
}
