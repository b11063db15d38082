package stub

import (
	"fmt"
	"io"
	"os"

	"transfer-saga/saga"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed é o arquivo de fixture dos serviços simulados:
//
//	users:
//	  - id: u-1
//	    role: customer
//	accounts:
//	  - id: acc-a
//	    ownerId: u-1
//	    balance: "1000.00"
type Seed struct {
	Users    []SeedUser    `yaml:"users"`
	Accounts []SeedAccount `yaml:"accounts"`
}

type SeedUser struct {
	ID   string `yaml:"id"`
	Role string `yaml:"role"`
}

// SeedAccount guarda o saldo como texto para não perder casas decimais no YAML.
type SeedAccount struct {
	ID      string `yaml:"id"`
	OwnerID string `yaml:"ownerId"`
	Balance string `yaml:"balance"`
}

func LoadSeedFile(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, err
	}
	defer f.Close()
	return ReadSeed(f)
}

func ReadSeed(r io.Reader) (Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return Seed{}, fmt.Errorf("stub: decode seed: %w", err)
	}
	return s, nil
}

// Apply grava usuários e contas do seed no Store.
func (s Seed) Apply(store *Store) error {
	for _, u := range s.Users {
		if u.ID == "" {
			return fmt.Errorf("stub: seed user without id")
		}
		if err := store.PutUser(saga.User{ID: u.ID, Role: u.Role}); err != nil {
			return fmt.Errorf("stub: seed user %s: %w", u.ID, err)
		}
	}
	for _, a := range s.Accounts {
		if a.ID == "" {
			return fmt.Errorf("stub: seed account without id")
		}
		balance := decimal.Zero
		if a.Balance != "" {
			var err error
			if balance, err = decimal.NewFromString(a.Balance); err != nil {
				return fmt.Errorf("stub: seed account %s: balance %q: %w", a.ID, a.Balance, err)
			}
		}
		if err := store.PutAccount(saga.Account{ID: a.ID, OwnerID: a.OwnerID, Balance: balance}); err != nil {
			return fmt.Errorf("stub: seed account %s: %w", a.ID, err)
		}
	}
	return nil
}

// DefaultSeed é usado quando nenhum arquivo é informado.
func DefaultSeed() Seed {
	return Seed{
		Users: []SeedUser{
			{ID: "u-1", Role: "customer"},
			{ID: "u-2", Role: "customer"},
		},
		Accounts: []SeedAccount{
			{ID: "acc-a", OwnerID: "u-1", Balance: "1000.00"},
			{ID: "acc-b", OwnerID: "u-2", Balance: "250.00"},
		},
	}
}
