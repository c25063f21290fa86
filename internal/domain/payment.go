/**
 * @description
 * Core settlement models: payments, interbank transfers and the bank capital ledger.
 *
 * @notes
 * - Amounts use shopspring/decimal so RUB values with kopecks are exact end to end.
 * - A Payment reaches a terminal status inside the same store transaction that debits
 *   the source account; "in-process" only survives if that transaction is interrupted
 *   after the payment row became visible to reconciliation tooling.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the settlement state of a Payment.
type PaymentStatus string

const (
	PaymentInProcess PaymentStatus = "in-process"
	PaymentCompleted PaymentStatus = "completed"
	PaymentRejected  PaymentStatus = "rejected"
)

// OpenBanking maps the status to its OpenBanking wire label.
func (s PaymentStatus) OpenBanking() string {
	switch s {
	case PaymentCompleted:
		return "AcceptedSettlementCompleted"
	case PaymentRejected:
		return "Rejected"
	default:
		return "AcceptedSettlementInProcess"
	}
}

// ExternalBank is the nominal destination bank for account numbers that do not resolve locally.
const ExternalBank = "external"

// Payment represents a single funds-movement instruction and its outcome.
// This struct maps directly to the `payments` table.
type Payment struct {
	ID                string          `json:"payment_id"`
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	FromAccountNumber string          `json:"from_account"`
	ToAccountNumber   string          `json:"to_account"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Description       string          `json:"description"`
	Status            PaymentStatus   `json:"status"`
	DestinationBank   string          `json:"destination_bank"`
	InitiatedBy       string          `json:"initiated_by"`
	RejectionReason   *string         `json:"rejection_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// SameInstruction reports whether a replayed request describes the same movement.
func (p Payment) SameInstruction(in PaymentInstruction) bool {
	return p.FromAccountNumber == in.FromAccountNumber &&
		p.ToAccountNumber == in.ToAccountNumber &&
		p.Amount.Equal(in.Amount) &&
		p.Currency == in.Currency
}

// PaymentInstruction is the DTO accepted by the settlement engine.
type PaymentInstruction struct {
	FromAccountNumber string
	ToAccountNumber   string
	Amount            decimal.Decimal
	Currency          string
	Description       string
	IdempotencyKey    string
	InitiatedBy       string
}

// TransferDirection tells whether money left or entered this bank.
type TransferDirection string

const (
	TransferOutbound TransferDirection = "outbound"
	TransferInbound  TransferDirection = "inbound"
)

const TransferCompleted = "completed"

// InterbankTransfer is the audit record of a cross-bank flow. Capital is moved from it
// by the capital reconciler, which stamps CapitalAppliedAt.
type InterbankTransfer struct {
	ID               string            `json:"transfer_id"`
	PaymentID        *string           `json:"payment_id,omitempty"`
	Direction        TransferDirection `json:"direction"`
	FromBank         string            `json:"from_bank"`
	ToBank           string            `json:"to_bank"`
	AccountNumber    string            `json:"account_number"`
	Amount           decimal.Decimal   `json:"amount"`
	Currency         string            `json:"currency"`
	Status           string            `json:"status"`
	Reference        string            `json:"reference,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CapitalAppliedAt *time.Time        `json:"capital_applied_at,omitempty"`
}

// CapitalDelta is the signed capital movement this transfer implies.
func (t InterbankTransfer) CapitalDelta() decimal.Decimal {
	if t.Direction == TransferInbound {
		return t.Amount
	}
	return t.Amount.Neg()
}

// InboundTransfer is a credit announced by a remote bank.
type InboundTransfer struct {
	ToAccountNumber string
	Amount          decimal.Decimal
	Currency        string
	FromBank        string
	Reference       string
}

// BankCapital is the capital ledger row of one bank.
type BankCapital struct {
	BankCode       string          `json:"bank_code"`
	Capital        decimal.Decimal `json:"capital"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	TotalDeposits  decimal.Decimal `json:"total_deposits"`
	TotalLoans     decimal.Decimal `json:"total_loans"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NetFlow is the net cross-bank flow since opening.
func (c BankCapital) NetFlow() decimal.Decimal {
	return c.Capital.Sub(c.InitialCapital)
}

// CapitalSummary is the admin projection of capital against client balances.
type CapitalSummary struct {
	BankCapital
	TotalClientBalances decimal.Decimal `json:"total_client_balances"`
	PoolStatus          string          `json:"pool_status"`
}
