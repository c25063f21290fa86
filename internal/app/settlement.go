/**
 * @description
 * SettlementEngine executes funds movements. A payment is validated here and then
 * applied by the repository in one transaction: the source debit, the payment row, the
 * local credit or the outbound interbank transfer record, and the terminal status.
 *
 * Capital is never touched on the settlement path. Interbank transfers are applied to
 * the capital ledger by the CapitalReconciler.
 *
 * @dependencies
 * - github.com/shopspring/decimal: money amounts.
 * - internal/store: atomic settlement and capital updates.
 * - pkg/rabbitmq: payment.*, interbank.* and capital.updated events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/federation/bank-service/pkg/rabbitmq"
	"github.com/shopspring/decimal"
)

// PoolTolerance is the largest capital/client-balance gap still reported as balanced.
var PoolTolerance = decimal.NewFromInt(1000)

// SettlementConfig configures a SettlementEngine.
type SettlementConfig struct {
	BankCode       string
	InitialCapital decimal.Decimal
	EventsExchange string
	Now            func() time.Time
}

// SettlementEngine moves money between accounts and keeps the capital ledger.
type SettlementEngine struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	cfg      SettlementConfig
}

// NewSettlementEngine creates a new settlement engine instance.
func NewSettlementEngine(repo store.Repository, producer rabbitmq.Publisher, cfg SettlementConfig) *SettlementEngine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SettlementEngine{repo: repo, producer: producer, cfg: cfg}
}

func (e *SettlementEngine) now() time.Time {
	return e.cfg.Now().UTC()
}

func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

func normalizeCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return domain.DefaultCurrency
	}
	return currency
}

// InitiatePayment validates and settles a payment instruction.
func (e *SettlementEngine) InitiatePayment(ctx context.Context, in domain.PaymentInstruction) (*store.SettlementResult, error) {
	from := strings.TrimSpace(in.FromAccountNumber)
	to := strings.TrimSpace(in.ToAccountNumber)
	if from == "" || to == "" {
		return nil, ErrInvalidAccount
	}
	if from == to {
		return nil, ErrSameAccount
	}
	if !validAmount(in.Amount) {
		return nil, ErrInvalidAmount
	}

	now := e.now()
	payment := domain.Payment{
		ID:                newID("pay"),
		FromAccountNumber: from,
		ToAccountNumber:   to,
		Amount:            in.Amount,
		Currency:          normalizeCurrency(in.Currency),
		Description:       strings.TrimSpace(in.Description),
		InitiatedBy:       in.InitiatedBy,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if key := strings.TrimSpace(in.IdempotencyKey); key != "" {
		payment.IdempotencyKey = &key
	}

	result, err := e.repo.SettlePayment(ctx, store.SettlePaymentParams{
		Payment:    payment,
		TransferID: newID("transfer"),
		BankCode:   e.cfg.BankCode,
	})
	if err != nil {
		return nil, err
	}
	if result.Replayed {
		log.Printf("level=info component=settlement msg=\"payment replayed from idempotency key\" payment_id=%s", result.Payment.ID)
		return result, nil
	}

	p := result.Payment
	event := domain.PaymentEvent{
		PaymentID:       p.ID,
		Status:          string(p.Status),
		FromAccount:     p.FromAccountNumber,
		ToAccount:       p.ToAccountNumber,
		Amount:          p.Amount.StringFixed(2),
		Currency:        p.Currency,
		DestinationBank: p.DestinationBank,
		OccurredAt:      p.UpdatedAt,
	}
	if result.Transfer != nil {
		event.TransferID = result.Transfer.ID
	}
	if p.Status == domain.PaymentRejected {
		publish(ctx, e.producer, e.cfg.EventsExchange, domain.EventPaymentRejected, event)
	} else {
		publish(ctx, e.producer, e.cfg.EventsExchange, domain.EventPaymentCompleted, event)
	}
	if result.Transfer != nil {
		publish(ctx, e.producer, e.cfg.EventsExchange, domain.EventTransferOutbound, result.Transfer)
	}
	log.Printf("level=info component=settlement msg=\"payment settled\" payment_id=%s status=%s destination_bank=%s amount=%s", p.ID, p.Status, p.DestinationBank, p.Amount.StringFixed(2))
	return result, nil
}

// GetPayment returns a payment and, for interbank payments, its transfer record.
func (e *SettlementEngine) GetPayment(ctx context.Context, paymentID string) (*domain.Payment, *domain.InterbankTransfer, error) {
	payment, err := e.repo.FindPaymentByID(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return nil, nil, err
	}
	transfer, err := e.repo.FindInterbankTransferByPaymentID(ctx, payment.ID)
	if err != nil && !errors.Is(err, store.ErrTransferNotFound) {
		return nil, nil, err
	}
	return payment, transfer, nil
}

// ReceiveTransfer credits a local account for money a remote bank sent. The returned
// flag is true when the same (bank, reference) pair was already applied.
func (e *SettlementEngine) ReceiveTransfer(ctx context.Context, in domain.InboundTransfer) (*domain.InterbankTransfer, bool, error) {
	fromBank := strings.ToLower(strings.TrimSpace(in.FromBank))
	account := strings.TrimSpace(in.ToAccountNumber)
	if fromBank == "" || account == "" || !validAmount(in.Amount) {
		return nil, false, ErrInvalidTransfer
	}

	// Inbound rows are unique per (from_bank, reference); a missing reference gets the
	// transfer's own id.
	id := newID("transfer")
	reference := strings.TrimSpace(in.Reference)
	if reference == "" {
		reference = id
	}

	transfer := domain.InterbankTransfer{
		ID:            id,
		Direction:     domain.TransferInbound,
		FromBank:      fromBank,
		ToBank:        e.cfg.BankCode,
		AccountNumber: account,
		Amount:        in.Amount,
		Currency:      normalizeCurrency(in.Currency),
		Status:        domain.TransferCompleted,
		Reference:     reference,
		CreatedAt:     e.now(),
	}

	stored, replayed, err := e.repo.ReceiveInterbankTransfer(ctx, transfer)
	if err != nil {
		return nil, false, err
	}
	if !replayed {
		log.Printf("level=info component=settlement msg=\"inbound transfer credited\" transfer_id=%s from_bank=%s account=%s amount=%s", stored.ID, stored.FromBank, stored.AccountNumber, stored.Amount.StringFixed(2))
	}
	return stored, replayed, nil
}

// UpdateCapital adds delta to the bank's capital. Positive delta is an inflow.
func (e *SettlementEngine) UpdateCapital(ctx context.Context, delta decimal.Decimal, reason string) (*domain.BankCapital, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual adjustment"
	}
	now := e.now()
	capital, err := e.repo.UpdateCapital(ctx, store.CapitalUpdate{
		BankCode:       e.cfg.BankCode,
		Delta:          delta,
		InitialCapital: e.cfg.InitialCapital,
		Reason:         reason,
		At:             now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update capital: %w", err)
	}
	publish(ctx, e.producer, e.cfg.EventsExchange, domain.EventCapitalUpdated, domain.CapitalEvent{
		BankCode:   capital.BankCode,
		Delta:      delta.StringFixed(2),
		Capital:    capital.Capital.StringFixed(2),
		Reason:     reason,
		OccurredAt: now,
	})
	return capital, nil
}

// CapitalSummary compares capital against the sum of client balances. A bank whose
// capital row does not exist yet reports its configured initial capital.
func (e *SettlementEngine) CapitalSummary(ctx context.Context) (*domain.CapitalSummary, error) {
	capital, err := e.repo.GetBankCapital(ctx, e.cfg.BankCode)
	if err != nil {
		if !errors.Is(err, store.ErrCapitalNotFound) {
			return nil, err
		}
		capital = &domain.BankCapital{
			BankCode:       e.cfg.BankCode,
			Capital:        e.cfg.InitialCapital,
			InitialCapital: e.cfg.InitialCapital,
		}
	}
	total, err := e.repo.SumAccountBalances(ctx)
	if err != nil {
		return nil, err
	}
	status := "imbalanced"
	if capital.Capital.Sub(total).Abs().LessThan(PoolTolerance) {
		status = "balanced"
	}
	return &domain.CapitalSummary{BankCapital: *capital, TotalClientBalances: total, PoolStatus: status}, nil
}

// ListPayments returns the newest payments, optionally filtered by status.
func (e *SettlementEngine) ListPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	return e.repo.ListPayments(ctx, status, limit)
}

// ListTransfers returns the newest interbank transfers.
func (e *SettlementEngine) ListTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error) {
	return e.repo.ListInterbankTransfers(ctx, limit)
}
