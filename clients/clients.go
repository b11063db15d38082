package clients

import "transfer-saga/saga"

// New monta os cinco clients com as mesmas opções (e portanto o mesmo Guard).
func New(opts Options) saga.Dependencies {
	opts = opts.withDefaults()
	return saga.Dependencies{
		Users:         NewUserClient(opts),
		Accounts:      NewAccountClient(opts),
		Transfers:     NewFundTransferClient(opts),
		Transactions:  NewTransactionClient(opts),
		Notifications: NewNotificationClient(opts),
	}
}

var (
	_ saga.UserService         = (*UserClient)(nil)
	_ saga.AccountService      = (*AccountClient)(nil)
	_ saga.FundTransferService = (*FundTransferClient)(nil)
	_ saga.TransactionService  = (*TransactionClient)(nil)
	_ saga.NotificationService = (*NotificationClient)(nil)
)
