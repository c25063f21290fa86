package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/shopspring/decimal"
)

func seededRepo(t *testing.T) *MemoryRepository {
	t.Helper()
	repo := NewMemoryRepository()
	repo.AddClient(domain.Client{ID: "cli-001", FullName: "Alice"})
	repo.AddClient(domain.Client{ID: "cli-002", FullName: "Bob"})
	repo.AddAccount(domain.Account{ClientID: "cli-001", AccountNumber: "4000-0001", Balance: decimal.RequireFromString("500.00")})
	repo.AddAccount(domain.Account{ClientID: "cli-002", AccountNumber: "4000-0002", Balance: decimal.Zero})
	return repo
}

func newPayment(id, from, to, amount string) SettlePaymentParams {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	return SettlePaymentParams{
		Payment: domain.Payment{
			ID:                id,
			FromAccountNumber: from,
			ToAccountNumber:   to,
			Amount:            decimal.RequireFromString(amount),
			Currency:          domain.DefaultCurrency,
			InitiatedBy:       "customer:cli-001",
			CreatedAt:         now,
			UpdatedAt:         now,
		},
		TransferID: "transfer-" + id,
		BankCode:   "vbank",
	}
}

func balanceOf(t *testing.T, repo *MemoryRepository, number string) decimal.Decimal {
	t.Helper()
	account, err := repo.FindAccountByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("FindAccountByNumber(%s) returned error: %v", number, err)
	}
	return account.Balance
}

func TestSettlePayment_LocalTransferMovesFullBalance(t *testing.T) {
	repo := seededRepo(t)

	result, err := repo.SettlePayment(context.Background(), newPayment("pay-1", "4000-0001", "4000-0002", "500.00"))
	if err != nil {
		t.Fatalf("SettlePayment returned error: %v", err)
	}
	if result.Payment.Status != domain.PaymentCompleted {
		t.Fatalf("expected completed payment, got %s", result.Payment.Status)
	}
	if result.Payment.DestinationBank != "vbank" {
		t.Fatalf("expected destination bank vbank, got %s", result.Payment.DestinationBank)
	}
	if result.Transfer != nil {
		t.Fatalf("expected no interbank transfer for a local payment")
	}
	if got := balanceOf(t, repo, "4000-0001"); !got.Equal(decimal.Zero) {
		t.Fatalf("expected source balance 0.00, got %s", got)
	}
	if got := balanceOf(t, repo, "4000-0002"); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected destination balance 500.00, got %s", got)
	}
}

func TestSettlePayment_InsufficientFundsLeavesNoTrace(t *testing.T) {
	repo := seededRepo(t)

	_, err := repo.SettlePayment(context.Background(), newPayment("pay-1", "4000-0001", "4000-0002", "500.01"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := balanceOf(t, repo, "4000-0001"); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected untouched source balance, got %s", got)
	}
	if _, err := repo.FindPaymentByID(context.Background(), "pay-1"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected no payment row, got %v", err)
	}
}

func TestSettlePayment_SourceErrors(t *testing.T) {
	repo := seededRepo(t)
	repo.AddAccount(domain.Account{ClientID: "cli-001", AccountNumber: "4000-0009", Balance: decimal.NewFromInt(100), Status: domain.AccountSuspended})
	repo.AddAccount(domain.Account{ClientID: "cli-001", AccountNumber: "4000-0010", Balance: decimal.NewFromInt(100), Currency: "USD"})

	cases := []struct {
		name string
		from string
		want error
	}{
		{name: "unknown source", from: "4000-9999", want: ErrAccountNotFound},
		{name: "suspended source", from: "4000-0009", want: ErrAccountNotActive},
		{name: "currency mismatch", from: "4000-0010", want: ErrCurrencyMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.SettlePayment(context.Background(), newPayment("pay-"+tc.from, tc.from, "4000-0002", "10.00"))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSettlePayment_ExternalDestinationRecordsOneTransfer(t *testing.T) {
	repo := seededRepo(t)

	result, err := repo.SettlePayment(context.Background(), newPayment("pay-ext", "4000-0001", "9999-0001", "120.50"))
	if err != nil {
		t.Fatalf("SettlePayment returned error: %v", err)
	}
	if result.Payment.Status != domain.PaymentCompleted || result.Payment.DestinationBank != domain.ExternalBank {
		t.Fatalf("unexpected payment outcome: %+v", result.Payment)
	}
	if result.Transfer == nil || result.Transfer.Direction != domain.TransferOutbound {
		t.Fatalf("expected outbound transfer, got %+v", result.Transfer)
	}

	transfers, _ := repo.ListInterbankTransfers(context.Background(), 0)
	if len(transfers) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(transfers))
	}
	if !transfers[0].Amount.Equal(decimal.RequireFromString("120.50")) || transfers[0].AccountNumber != "9999-0001" {
		t.Fatalf("unexpected transfer: %+v", transfers[0])
	}
	if got := balanceOf(t, repo, "4000-0001"); !got.Equal(decimal.RequireFromString("379.50")) {
		t.Fatalf("expected source balance 379.50, got %s", got)
	}
}

func TestSettlePayment_InactiveDestinationIsRejectedWithoutMovingMoney(t *testing.T) {
	repo := seededRepo(t)
	repo.AddAccount(domain.Account{ClientID: "cli-002", AccountNumber: "4000-0003", Status: domain.AccountClosed})

	result, err := repo.SettlePayment(context.Background(), newPayment("pay-rej", "4000-0001", "4000-0003", "50.00"))
	if err != nil {
		t.Fatalf("SettlePayment returned error: %v", err)
	}
	if result.Payment.Status != domain.PaymentRejected || result.Payment.RejectionReason == nil {
		t.Fatalf("expected rejected payment with reason, got %+v", result.Payment)
	}
	if got := balanceOf(t, repo, "4000-0001"); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected untouched source balance, got %s", got)
	}
	stored, err := repo.FindPaymentByID(context.Background(), "pay-rej")
	if err != nil || stored.Status != domain.PaymentRejected {
		t.Fatalf("expected stored rejected payment, got %+v err=%v", stored, err)
	}
}

func TestSettlePayment_ConcurrentDebitsOnlyOneSucceeds(t *testing.T) {
	repo := seededRepo(t)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		shortfall int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "pay-c" + string(rune('a'+i))
			_, err := repo.SettlePayment(context.Background(), newPayment(id, "4000-0001", "4000-0002", "400.00"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInsufficientFunds):
				shortfall++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || shortfall != workers-1 {
		t.Fatalf("expected 1 success and %d shortfalls, got %d and %d", workers-1, successes, shortfall)
	}
	total := balanceOf(t, repo, "4000-0001").Add(balanceOf(t, repo, "4000-0002"))
	if !total.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected conserved total 500.00, got %s", total)
	}
}

func TestSettlePayment_IdempotencyKeyReplaysAndConflicts(t *testing.T) {
	repo := seededRepo(t)
	key := "idem-1"

	first := newPayment("pay-a", "4000-0001", "4000-0002", "100.00")
	first.Payment.IdempotencyKey = &key
	if _, err := repo.SettlePayment(context.Background(), first); err != nil {
		t.Fatalf("first SettlePayment returned error: %v", err)
	}

	replay := newPayment("pay-b", "4000-0001", "4000-0002", "100.00")
	replay.Payment.IdempotencyKey = &key
	result, err := repo.SettlePayment(context.Background(), replay)
	if err != nil {
		t.Fatalf("replayed SettlePayment returned error: %v", err)
	}
	if !result.Replayed || result.Payment.ID != "pay-a" {
		t.Fatalf("expected replay of pay-a, got %+v", result)
	}
	if got := balanceOf(t, repo, "4000-0001"); !got.Equal(decimal.RequireFromString("400.00")) {
		t.Fatalf("expected a single debit, got balance %s", got)
	}

	conflict := newPayment("pay-c", "4000-0001", "4000-0002", "200.00")
	conflict.Payment.IdempotencyKey = &key
	if _, err := repo.SettlePayment(context.Background(), conflict); !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestSettlePayment_CancelledContextHasNoEffect(t *testing.T) {
	repo := seededRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := repo.SettlePayment(ctx, newPayment("pay-x", "4000-0001", "4000-0002", "10.00")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := balanceOf(t, repo, "4000-0001"); !got.Equal(decimal.RequireFromString("500.00")) {
		t.Fatalf("expected untouched balance, got %s", got)
	}
}

func TestReceiveInterbankTransfer_CreditsOnceByReference(t *testing.T) {
	repo := seededRepo(t)
	transfer := domain.InterbankTransfer{
		ID:            "transfer-in-1",
		Direction:     domain.TransferInbound,
		FromBank:      "abank",
		ToBank:        "vbank",
		AccountNumber: "4000-0002",
		Amount:        decimal.RequireFromString("75.25"),
		Currency:      domain.DefaultCurrency,
		Status:        domain.TransferCompleted,
		Reference:     "abank-pay-42",
	}

	if _, replayed, err := repo.ReceiveInterbankTransfer(context.Background(), transfer); err != nil || replayed {
		t.Fatalf("expected fresh credit, got replayed=%v err=%v", replayed, err)
	}
	transfer.ID = "transfer-in-2"
	stored, replayed, err := repo.ReceiveInterbankTransfer(context.Background(), transfer)
	if err != nil || !replayed || stored.ID != "transfer-in-1" {
		t.Fatalf("expected replay of transfer-in-1, got %+v replayed=%v err=%v", stored, replayed, err)
	}
	if got := balanceOf(t, repo, "4000-0002"); !got.Equal(decimal.RequireFromString("75.25")) {
		t.Fatalf("expected single credit of 75.25, got %s", got)
	}
}

func TestApplyTransferToCapital_AppliesSignedAmountOnce(t *testing.T) {
	repo := seededRepo(t)
	if _, err := repo.SettlePayment(context.Background(), newPayment("pay-ext", "4000-0001", "9999-0001", "200.00")); err != nil {
		t.Fatalf("SettlePayment returned error: %v", err)
	}

	update := CapitalUpdate{BankCode: "vbank", InitialCapital: decimal.NewFromInt(1000), Reason: "transfer", At: time.Now().UTC()}
	capital, err := repo.ApplyTransferToCapital(context.Background(), "transfer-pay-ext", update)
	if err != nil {
		t.Fatalf("ApplyTransferToCapital returned error: %v", err)
	}
	if !capital.Capital.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected capital 800, got %s", capital.Capital)
	}
	if _, err := repo.ApplyTransferToCapital(context.Background(), "transfer-pay-ext", update); !errors.Is(err, ErrTransferAlreadyApplied) {
		t.Fatalf("expected ErrTransferAlreadyApplied, got %v", err)
	}
	unapplied, _ := repo.ListUnappliedTransfers(context.Background(), 0)
	if len(unapplied) != 0 {
		t.Fatalf("expected no unapplied transfers, got %d", len(unapplied))
	}
	if ledger := repo.CapitalLedger(); len(ledger) != 1 || ledger[0].TransferID != "transfer-pay-ext" {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
}

func TestDecideConsentRequest_OnlyPendingRequestsOfOwner(t *testing.T) {
	repo := seededRepo(t)
	now := time.Now().UTC()
	req := &domain.ConsentRequest{ID: "req-1", ClientID: "cli-001", RequestingBank: "abank", Status: domain.ConsentRequestPending, CreatedAt: now}
	if err := repo.CreateConsentRequest(context.Background(), req); err != nil {
		t.Fatalf("CreateConsentRequest returned error: %v", err)
	}

	params := DecideConsentParams{RequestID: "req-1", ClientID: "cli-002", Status: domain.ConsentRequestRejected, RespondedAt: now}
	if err := repo.DecideConsentRequest(context.Background(), params); !errors.Is(err, ErrConsentRequestNotFound) {
		t.Fatalf("expected ErrConsentRequestNotFound for foreign client, got %v", err)
	}

	params.ClientID = "cli-001"
	if err := repo.DecideConsentRequest(context.Background(), params); err != nil {
		t.Fatalf("DecideConsentRequest returned error: %v", err)
	}
	if err := repo.DecideConsentRequest(context.Background(), params); !errors.Is(err, ErrConsentRequestNotFound) {
		t.Fatalf("expected second decision to fail, got %v", err)
	}
}

func TestPlanSettlement(t *testing.T) {
	active := &domain.Account{Status: domain.AccountActive, Currency: "RUB", Balance: decimal.NewFromInt(100)}
	closed := &domain.Account{Status: domain.AccountClosed, Currency: "RUB"}
	usd := &domain.Account{Status: domain.AccountActive, Currency: "USD"}

	cases := []struct {
		name       string
		dest       *domain.Account
		wantLocal  bool
		wantReject bool
	}{
		{name: "external", dest: nil},
		{name: "local", dest: active, wantLocal: true},
		{name: "closed destination", dest: closed, wantReject: true},
		{name: "currency mismatch destination", dest: usd, wantReject: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, err := planSettlement(active, tc.dest, decimal.NewFromInt(10), "RUB")
			if err != nil {
				t.Fatalf("planSettlement returned error: %v", err)
			}
			if plan.local != tc.wantLocal || (plan.rejectReason != "") != tc.wantReject {
				t.Fatalf("unexpected plan: %+v", plan)
			}
		})
	}
}
