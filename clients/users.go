package clients

import (
	"context"
	"errors"
	"net/url"

	"transfer-saga/saga"
)

var errEmptyResponse = errors.New("empty response body")

type UserClient struct {
	ep endpoint
}

func NewUserClient(opts Options) *UserClient {
	return &UserClient{ep: newEndpoint(UserService, opts)}
}

// GetUser busca o usuário pelo id. Usuário inexistente devolve saga.ErrNotFound.
func (c *UserClient) GetUser(ctx context.Context, id string) (*saga.User, error) {
	u, err := read(ctx, c.ep, "/users/"+url.PathEscape(id), nil, reraise[*saga.User](c.ep, "getUser"))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, saga.Unavailable(c.ep.name, errEmptyResponse)
	}
	return u, nil
}
