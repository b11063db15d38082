package stub

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"transfer-saga/saga"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/shopspring/decimal"
)

const (
	tableUsers         = "users"
	tableAccounts      = "accounts"
	tableTransfers     = "transfers"
	tableTransactions  = "transactions"
	tableNotifications = "notifications"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSameAccount       = errors.New("source and destination are the same account")
)

// TransferRecord é a transferência como o serviço de fundos a guarda.
type TransferRecord struct {
	ID            string
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Reference     string
	Status        string
	CreatedAt     time.Time
}

type TransactionEntry struct {
	ID        string
	Record    saga.TransactionRecord
	CreatedAt time.Time
}

type Notification struct {
	ID      string
	UserID  string
	Message string
	SentAt  time.Time
}

func schema() *memdb.DBSchema {
	byID := func() map[string]*memdb.IndexSchema {
		return map[string]*memdb.IndexSchema{
			"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
		}
	}

	accounts := byID()
	accounts["owner"] = &memdb.IndexSchema{Name: "owner", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "OwnerID"}}

	notifications := byID()
	notifications["user"] = &memdb.IndexSchema{Name: "user", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "UserID"}}

	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableUsers:         {Name: tableUsers, Indexes: byID()},
			tableAccounts:      {Name: tableAccounts, Indexes: accounts},
			tableTransfers:     {Name: tableTransfers, Indexes: byID()},
			tableTransactions:  {Name: tableTransactions, Indexes: byID()},
			tableNotifications: {Name: tableNotifications, Indexes: notifications},
		},
	}
}

// Store guarda o estado dos serviços simulados em tabelas go-memdb. Cada
// operação é uma transação: a movimentação de saldo é atômica.
type Store struct {
	db  *memdb.MemDB
	now func() time.Time
}

func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("stub: create memdb: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) insert(table string, obj any) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(table, obj); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) PutUser(u saga.User) error {
	return s.insert(tableUsers, &u)
}

func (s *Store) User(id string) (*saga.User, error) {
	raw, err := s.db.Txn(false).First(tableUsers, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	u := *raw.(*saga.User)
	return &u, nil
}

func (s *Store) PutAccount(a saga.Account) error {
	return s.insert(tableAccounts, &a)
}

func (s *Store) Account(id string) (*saga.Account, error) {
	return firstAccount(s.db.Txn(false), id)
}

func firstAccount(txn *memdb.Txn, id string) (*saga.Account, error) {
	raw, err := txn.First(tableAccounts, "id", id)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a := *raw.(*saga.Account)
	return &a, nil
}

func (s *Store) AccountsByOwner(ownerID string) ([]saga.Account, error) {
	it, err := s.db.Txn(false).Get(tableAccounts, "owner", ownerID)
	if err != nil {
		return nil, err
	}
	out := []saga.Account{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*saga.Account))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateAccount aplica fn sobre uma cópia da conta e grava o resultado.
func (s *Store) UpdateAccount(id string, fn func(*saga.Account)) (*saga.Account, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	a, err := firstAccount(txn, id)
	if err != nil {
		return nil, err
	}
	fn(a)
	a.ID = id
	if err := txn.Insert(tableAccounts, a); err != nil {
		return nil, err
	}
	txn.Commit()

	out := *a
	return &out, nil
}

// Transfer debita a origem e credita o destino na mesma transação.
func (s *Store) Transfer(order saga.TransferOrder) (*TransferRecord, error) {
	if order.FromAccountID == order.ToAccountID {
		return nil, ErrSameAccount
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	from, err := firstAccount(txn, order.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := firstAccount(txn, order.ToAccountID)
	if err != nil {
		return nil, err
	}
	if from.Balance.LessThan(order.Amount) {
		return nil, fmt.Errorf("account %s: %w", from.ID, ErrInsufficientFunds)
	}

	from.Balance = from.Balance.Sub(order.Amount)
	to.Balance = to.Balance.Add(order.Amount)

	rec := &TransferRecord{
		ID:            uuid.NewString(),
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        order.Amount,
		Reference:     order.Reference,
		Status:        "COMPLETED",
		CreatedAt:     s.now(),
	}
	for _, obj := range []struct {
		table string
		v     any
	}{{tableAccounts, from}, {tableAccounts, to}, {tableTransfers, rec}} {
		if err := txn.Insert(obj.table, obj.v); err != nil {
			return nil, err
		}
	}
	txn.Commit()
	return rec, nil
}

func (s *Store) RecordTransaction(rec saga.TransactionRecord) (*TransactionEntry, error) {
	e := &TransactionEntry{ID: uuid.NewString(), Record: rec, CreatedAt: s.now()}
	if err := s.insert(tableTransactions, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Store) Transactions() ([]TransactionEntry, error) {
	it, err := s.db.Txn(false).Get(tableTransactions, "id")
	if err != nil {
		return nil, err
	}
	var out []TransactionEntry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*TransactionEntry))
	}
	return out, nil
}

func (s *Store) Notify(userID, message string) (*Notification, error) {
	n := &Notification{ID: uuid.NewString(), UserID: userID, Message: message, SentAt: s.now()}
	if err := s.insert(tableNotifications, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) Notifications(userID string) ([]Notification, error) {
	it, err := s.db.Txn(false).Get(tableNotifications, "user", userID)
	if err != nil {
		return nil, err
	}
	var out []Notification
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Notification))
	}
	return out, nil
}
