package domain

import "time"

// Routing keys published on the events exchange.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentRejected  = "payment.rejected"
	EventPaymentStale     = "payment.stale"
	EventTransferOutbound = "interbank.transfer.outbound"
	EventTransferInbound  = "interbank.transfer.inbound"
	EventConsentRequested = "consent.requested"
	EventConsentApproved  = "consent.approved"
	EventConsentRejected  = "consent.rejected"
	EventConsentRevoked   = "consent.revoked"
	EventCapitalUpdated   = "capital.updated"
)

// PaymentEvent is published after a payment commits.
type PaymentEvent struct {
	PaymentID       string    `json:"payment_id"`
	Status          string    `json:"status"`
	FromAccount     string    `json:"from_account"`
	ToAccount       string    `json:"to_account"`
	Amount          string    `json:"amount"`
	Currency        string    `json:"currency"`
	DestinationBank string    `json:"destination_bank"`
	TransferID      string    `json:"transfer_id,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// InboundTransferEvent is the message a remote bank emits for money sent to this bank.
type InboundTransferEvent struct {
	EventID    string    `json:"event_id"`
	FromBank   string    `json:"from_bank"`
	ToBank     string    `json:"to_bank"`
	ToAccount  string    `json:"to_account"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Reference  string    `json:"reference"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ConsentEvent is published on consent state changes.
type ConsentEvent struct {
	ConsentID      string    `json:"consent_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	ClientID       string    `json:"client_id"`
	RequestingBank string    `json:"requesting_bank"`
	Status         string    `json:"status"`
	Permissions    []string  `json:"permissions"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// CapitalEvent is published whenever the capital ledger moves.
type CapitalEvent struct {
	BankCode   string    `json:"bank_code"`
	Delta      string    `json:"delta"`
	Capital    string    `json:"capital"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}
