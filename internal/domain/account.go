package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client is a customer of this bank.
type Client struct {
	ID           string    `json:"client_id"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// DefaultCurrency is the ledger denomination.
const DefaultCurrency = "RUB"

// Account is a monetary account held by a client.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	ClientID      string          `json:"client_id"`
	AccountNumber string          `json:"account_number"`
	AccountType   string          `json:"account_type"`
	Balance       decimal.Decimal `json:"balance"`
	Currency      string          `json:"currency"`
	Status        AccountStatus   `json:"status"`
	OpenedAt      time.Time       `json:"opened_at"`
}
