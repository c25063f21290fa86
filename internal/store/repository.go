/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the bank service needs. The PostgreSQL implementation backs production;
 * the in-memory implementation backs the sandbox mode and the package tests.
 *
 * Both implementations apply a payment (debit, payment row, credit or transfer record,
 * terminal status) as one atomic unit with the source account locked for the duration.
 *
 * @dependencies
 * - github.com/shopspring/decimal: money amounts.
 * - internal/domain: the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrClientNotFound         = errors.New("client not found")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountNotActive       = errors.New("account is not active")
	ErrCurrencyMismatch       = errors.New("currency does not match account")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with a different instruction")
	ErrConsentRequestNotFound = errors.New("consent request not found")
	ErrConsentNotFound        = errors.New("consent not found")
	ErrPolicyNotFound         = errors.New("auto-approval policy not found")
	ErrCapitalNotFound        = errors.New("bank capital not found")
	ErrTransferNotFound       = errors.New("interbank transfer not found")
	ErrTransferAlreadyApplied = errors.New("interbank transfer already applied to capital")
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Client and account methods
	FindClientByID(ctx context.Context, clientID string) (*domain.Client, error)
	FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error)
	ListAccountsByClient(ctx context.Context, clientID string) ([]domain.Account, error)
	SumAccountBalances(ctx context.Context) (decimal.Decimal, error)

	// Consent methods
	CreateConsentRequest(ctx context.Context, req *domain.ConsentRequest) error
	CreateAutoApprovedConsent(ctx context.Context, req *domain.ConsentRequest, consent *domain.Consent) error
	FindConsentRequestByID(ctx context.Context, requestID string) (*domain.ConsentRequest, error)
	ListConsentRequestsByClient(ctx context.Context, clientID string, status domain.ConsentRequestStatus) ([]domain.ConsentRequest, error)
	DecideConsentRequest(ctx context.Context, params DecideConsentParams) error
	FindConsentByID(ctx context.Context, consentID string) (*domain.Consent, error)
	ListConsentsByClient(ctx context.Context, clientID string) ([]domain.Consent, error)
	TouchConsent(ctx context.Context, consentID string, at time.Time) error
	RevokeConsent(ctx context.Context, consentID, clientID string, at time.Time) (*domain.Consent, error)
	ExpireConsents(ctx context.Context, now time.Time) (int64, error)
	FindAutoApprovalPolicy(ctx context.Context, requestingBank string) (*domain.AutoApprovalPolicy, error)
	UpsertAutoApprovalPolicy(ctx context.Context, policy domain.AutoApprovalPolicy) error

	// Notification methods
	CreateNotification(ctx context.Context, n domain.Notification) error
	ListNotifications(ctx context.Context, clientID string, limit int) ([]domain.Notification, error)

	// Settlement methods
	SettlePayment(ctx context.Context, params SettlePaymentParams) (*SettlementResult, error)
	ReceiveInterbankTransfer(ctx context.Context, transfer domain.InterbankTransfer) (*domain.InterbankTransfer, bool, error)
	FindPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error)
	FindInterbankTransferByPaymentID(ctx context.Context, paymentID string) (*domain.InterbankTransfer, error)
	ListPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error)
	ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
	ListInterbankTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error)
	ListUnappliedTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error)

	// Capital methods
	GetBankCapital(ctx context.Context, bankCode string) (*domain.BankCapital, error)
	UpdateCapital(ctx context.Context, update CapitalUpdate) (*domain.BankCapital, error)
	ApplyTransferToCapital(ctx context.Context, transferID string, update CapitalUpdate) (*domain.BankCapital, error)
}

// DecideConsentParams carries a customer's decision. Consent is nil for rejections.
type DecideConsentParams struct {
	RequestID   string
	ClientID    string
	Status      domain.ConsentRequestStatus
	RespondedAt time.Time
	Consent     *domain.Consent
}

// SettlePaymentParams carries a fully prepared payment row. Status is decided by the store.
type SettlePaymentParams struct {
	Payment    domain.Payment
	TransferID string
	BankCode   string
}

// SettlementResult is the committed outcome of SettlePayment. Replayed is set when the
// idempotency key matched an earlier payment and nothing new was written.
type SettlementResult struct {
	Payment  *domain.Payment
	Transfer *domain.InterbankTransfer
	Replayed bool
}

// CapitalUpdate describes one capital ledger movement. InitialCapital seeds the row when absent.
// ApplyTransferToCapital ignores Delta and uses the transfer's signed amount.
type CapitalUpdate struct {
	BankCode       string
	Delta          decimal.Decimal
	InitialCapital decimal.Decimal
	Reason         string
	At             time.Time
}

const defaultListLimit = 100

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}

// settlementPlan is what a payment does once both accounts are locked.
type settlementPlan struct {
	rejectReason string
	local        bool
}

// planSettlement validates a payment against the locked source and (optional) local
// destination. Source-side failures abort the payment; destination-side problems
// record a rejected payment without moving money.
func planSettlement(source, dest *domain.Account, amount decimal.Decimal, currency string) (settlementPlan, error) {
	if source == nil {
		return settlementPlan{}, ErrAccountNotFound
	}
	if source.Status != domain.AccountActive {
		return settlementPlan{}, ErrAccountNotActive
	}
	if source.Currency != currency {
		return settlementPlan{}, ErrCurrencyMismatch
	}
	if source.Balance.LessThan(amount) {
		return settlementPlan{}, ErrInsufficientFunds
	}
	if dest == nil {
		return settlementPlan{local: false}, nil
	}
	if dest.Status != domain.AccountActive {
		return settlementPlan{rejectReason: "destination account is not active"}, nil
	}
	if dest.Currency != currency {
		return settlementPlan{rejectReason: "destination account currency mismatch"}, nil
	}
	return settlementPlan{local: true}, nil
}

func stringPtr(s string) *string {
	return &s
}
