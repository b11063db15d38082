package stub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"transfer-saga/saga"

	"github.com/shopspring/decimal"
)

// Nomes dos serviços simulados (iguais aos nomes lógicos usados pelos clients).
const (
	ServiceUser         = "user"
	ServiceAccount      = "account"
	ServiceFundTransfer = "fundtransfer"
	ServiceTransaction  = "transaction"
	ServiceNotification = "notification"
)

// Fault é uma falha injetada em um serviço: atraso e/ou status de erro.
type Fault struct {
	Delay  time.Duration
	Status int
	Code   string
}

// Server expõe o Store como os cinco serviços HTTP dos quais a saga depende.
// Todos compartilham o mesmo mux; cada um pode ter uma falha injetada.
type Server struct {
	store  *Store
	logger *slog.Logger

	mu     sync.RWMutex
	faults map[string]Fault
	calls  map[string]int

	mux *http.ServeMux
}

func NewServer(store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		logger: logger,
		faults: make(map[string]Fault),
		calls:  make(map[string]int),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Store() *Store { return s.store }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) SetFault(service string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[service] = f
}

func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.faults)
}

// Calls devolve quantas requisições o serviço recebeu (inclusive com falha injetada).
func (s *Server) Calls(service string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[service]
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.handle("GET /users/{id}", ServiceUser, s.getUser)
	s.handle("GET /accounts/{id}", ServiceAccount, s.getAccount)
	s.handle("GET /accounts", ServiceAccount, s.listAccounts)
	s.handle("PUT /accounts/{id}", ServiceAccount, s.updateAccount)
	s.handle("POST /transfers", ServiceFundTransfer, s.createTransfer)
	s.handle("POST /transactions", ServiceTransaction, s.createTransaction)
	s.handle("POST /notifications", ServiceNotification, s.createNotification)
}

func (s *Server) handle(pattern, service string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[service]++
		f, faulty := s.faults[service]
		s.mu.Unlock()

		if faulty {
			if f.Delay > 0 {
				select {
				case <-time.After(f.Delay):
				case <-r.Context().Done():
					return
				}
			}
			if f.Status > 0 {
				code := f.Code
				if code == "" {
					code = "INJECTED_FAULT"
				}
				writeError(w, f.Status, code, "injected failure")
				return
			}
		}
		h(w, r)
	})
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.User(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.Account(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("ownerId")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "MISSING_OWNER", "ownerId query parameter is required")
		return
	}
	accs, err := s.store.AccountsByOwner(owner)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accs)
}

type accountUpdate struct {
	OwnerID *string          `json:"ownerId"`
	Balance *decimal.Decimal `json:"balance"`
}

func (s *Server) updateAccount(w http.ResponseWriter, r *http.Request) {
	var upd accountUpdate
	if !decode(w, r, &upd) {
		return
	}
	if upd.Balance != nil && upd.Balance.IsNegative() {
		writeError(w, http.StatusBadRequest, "INVALID_BALANCE", "balance must not be negative")
		return
	}

	a, err := s.store.UpdateAccount(r.PathValue("id"), func(a *saga.Account) {
		if upd.OwnerID != nil {
			a.OwnerID = *upd.OwnerID
		}
		if upd.Balance != nil {
			a.Balance = *upd.Balance
		}
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) createTransfer(w http.ResponseWriter, r *http.Request) {
	var order saga.TransferOrder
	if !decode(w, r, &order) {
		return
	}
	if !order.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be greater than zero")
		return
	}

	rec, err := s.store.Transfer(order)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("stub transfer executed",
		"transfer_id", rec.ID, "from", rec.FromAccountID, "to", rec.ToAccountID,
		"amount", rec.Amount.String(), "reference", rec.Reference)
	writeJSON(w, http.StatusCreated, saga.Transfer{ID: rec.ID, Status: rec.Status})
}

func (s *Server) createTransaction(w http.ResponseWriter, r *http.Request) {
	var rec saga.TransactionRecord
	if !decode(w, r, &rec) {
		return
	}
	e, err := s.store.RecordTransaction(rec)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saga.Transaction{ID: e.ID, CreatedAt: e.CreatedAt})
}

type notificationBody struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

func (s *Server) createNotification(w http.ResponseWriter, r *http.Request) {
	var body notificationBody
	if !decode(w, r, &body) {
		return
	}
	if _, err := s.store.Notify(body.UserID, body.Message); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrInsufficientFunds):
		writeError(w, http.StatusConflict, "INSUFFICIENT_FUNDS", err.Error())
	case errors.Is(err, ErrSameAccount):
		writeError(w, http.StatusBadRequest, "SAME_ACCOUNT", err.Error())
	default:
		s.logger.Error("stub internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "MALFORMED_BODY", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
