package clients

import (
	"context"
	"net/http"

	"transfer-saga/saga"
)

type FundTransferClient struct {
	ep endpoint
}

func NewFundTransferClient(opts Options) *FundTransferClient {
	return &FundTransferClient{ep: newEndpoint(FundTransferService, opts)}
}

// InitiateTransfer move o valor entre as contas. Não é repetido em caso de falha.
func (c *FundTransferClient) InitiateTransfer(ctx context.Context, order saga.TransferOrder) (*saga.Transfer, error) {
	t, err := mutate(ctx, c.ep, http.MethodPost, "/transfers", order, reraise[*saga.Transfer](c.ep, "initiateTransfer"))
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, saga.Unavailable(c.ep.name, errEmptyResponse)
	}
	return t, nil
}

type TransactionClient struct {
	ep endpoint
}

func NewTransactionClient(opts Options) *TransactionClient {
	return &TransactionClient{ep: newEndpoint(TransactionService, opts)}
}

func (c *TransactionClient) RecordTransaction(ctx context.Context, rec saga.TransactionRecord) (*saga.Transaction, error) {
	tx, err := mutate(ctx, c.ep, http.MethodPost, "/transactions", rec, reraise[*saga.Transaction](c.ep, "recordTransaction"))
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, saga.Unavailable(c.ep.name, errEmptyResponse)
	}
	return tx, nil
}
