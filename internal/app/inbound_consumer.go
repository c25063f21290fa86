package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/shopspring/decimal"
)

// TransferReceiver is the part of SettlementEngine the inbound consumer needs.
type TransferReceiver interface {
	ReceiveTransfer(ctx context.Context, in domain.InboundTransfer) (*domain.InterbankTransfer, bool, error)
}

// InboundTransferConsumer credits local accounts from interbank.transfer.inbound messages.
type InboundTransferConsumer struct {
	receiver TransferReceiver
	bankCode string
}

func NewInboundTransferConsumer(receiver TransferReceiver, bankCode string) *InboundTransferConsumer {
	return &InboundTransferConsumer{receiver: receiver, bankCode: strings.ToLower(bankCode)}
}

// HandleMessage returns true when the message should be acknowledged. Malformed
// messages and permanent failures are acknowledged and dropped.
func (c *InboundTransferConsumer) HandleMessage(body []byte) bool {
	var event domain.InboundTransferEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("inbound-consumer: failed to unmarshal payload: %v", err)
		return true
	}

	if to := strings.ToLower(strings.TrimSpace(event.ToBank)); to != "" && to != c.bankCode {
		log.Printf("inbound-consumer: event %s addressed to %s; ignoring", event.EventID, to)
		return true
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(event.Amount))
	if err != nil {
		log.Printf("inbound-consumer: invalid amount %q in event %s", event.Amount, event.EventID)
		return true
	}

	reference := strings.TrimSpace(event.Reference)
	if reference == "" {
		reference = event.EventID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	transfer, replayed, err := c.receiver.ReceiveTransfer(ctx, domain.InboundTransfer{
		ToAccountNumber: event.ToAccount,
		Amount:          amount,
		Currency:        event.Currency,
		FromBank:        event.FromBank,
		Reference:       reference,
	})
	if err != nil {
		if permanentTransferError(err) {
			log.Printf("inbound-consumer: dropping event %s from %s: %v", event.EventID, event.FromBank, err)
			return true
		}
		log.Printf("inbound-consumer: processing error for event %s: %v", event.EventID, err)
		return false
	}

	if replayed {
		log.Printf("inbound-consumer: event %s already applied as %s; acknowledging", event.EventID, transfer.ID)
	}
	return true
}

func permanentTransferError(err error) bool {
	return errors.Is(err, ErrInvalidTransfer) ||
		errors.Is(err, store.ErrAccountNotFound) ||
		errors.Is(err, store.ErrAccountNotActive) ||
		errors.Is(err, store.ErrCurrencyMismatch)
}
