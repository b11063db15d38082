package saga

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockUsers struct{ mock.Mock }

func (m *mockUsers) GetUser(ctx context.Context, id string) (*User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*User)
	return u, args.Error(1)
}

type mockAccounts struct{ mock.Mock }

func (m *mockAccounts) GetAccount(ctx context.Context, id string) (*Account, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*Account)
	return a, args.Error(1)
}

type mockTransfers struct{ mock.Mock }

func (m *mockTransfers) InitiateTransfer(ctx context.Context, order TransferOrder) (*Transfer, error) {
	args := m.Called(ctx, order)
	t, _ := args.Get(0).(*Transfer)
	return t, args.Error(1)
}

type mockTransactions struct{ mock.Mock }

func (m *mockTransactions) RecordTransaction(ctx context.Context, rec TransactionRecord) (*Transaction, error) {
	args := m.Called(ctx, rec)
	t, _ := args.Get(0).(*Transaction)
	return t, args.Error(1)
}

type mockNotifications struct{ mock.Mock }

func (m *mockNotifications) SendNotification(ctx context.Context, userID, text string) error {
	return m.Called(ctx, userID, text).Error(0)
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedSaga
}

type recordedSaga struct {
	status Status
	step   StepName
}

func (r *fakeRecorder) ObserveSaga(status Status, failedStep StepName, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedSaga{status: status, step: failedStep})
}

type mocks struct {
	users         *mockUsers
	accounts      *mockAccounts
	transfers     *mockTransfers
	transactions  *mockTransactions
	notifications *mockNotifications
}

func newMocks() *mocks {
	return &mocks{
		users:         &mockUsers{},
		accounts:      &mockAccounts{},
		transfers:     &mockTransfers{},
		transactions:  &mockTransactions{},
		notifications: &mockNotifications{},
	}
}

func (m *mocks) deps() Dependencies {
	return Dependencies{
		Users:         m.users,
		Accounts:      m.accounts,
		Transfers:     m.transfers,
		Transactions:  m.transactions,
		Notifications: m.notifications,
	}
}

func (m *mocks) assertExpectations(t mock.TestingT) {
	m.users.AssertExpectations(t)
	m.accounts.AssertExpectations(t)
	m.transfers.AssertExpectations(t)
	m.transactions.AssertExpectations(t)
	m.notifications.AssertExpectations(t)
}
