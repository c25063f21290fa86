package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository used by the sandbox mode and tests.
// A single mutex stands in for the row locks of the PostgreSQL implementation, so
// every settlement is applied fully or not at all.
type MemoryRepository struct {
	mu sync.Mutex

	clients         map[string]domain.Client
	accounts        map[string]*domain.Account
	consentRequests map[string]*domain.ConsentRequest
	consents        map[string]*domain.Consent
	policies        map[string]domain.AutoApprovalPolicy
	notifications   []domain.Notification
	payments        map[string]*domain.Payment
	paymentOrder    []string
	idempotency     map[string]string
	transfers       []*domain.InterbankTransfer
	capital         map[string]*domain.BankCapital
	ledger          []CapitalLedgerEntry
}

// CapitalLedgerEntry is one applied capital movement.
type CapitalLedgerEntry struct {
	BankCode   string
	Delta      decimal.Decimal
	Reason     string
	TransferID string
	At         time.Time
}

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		clients:         make(map[string]domain.Client),
		accounts:        make(map[string]*domain.Account),
		consentRequests: make(map[string]*domain.ConsentRequest),
		consents:        make(map[string]*domain.Consent),
		policies:        make(map[string]domain.AutoApprovalPolicy),
		payments:        make(map[string]*domain.Payment),
		idempotency:     make(map[string]string),
		capital:         make(map[string]*domain.BankCapital),
	}
}

// AddClient seeds a client.
func (m *MemoryRepository) AddClient(client domain.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	m.clients[client.ID] = client
}

// AddAccount seeds an account. Missing identifiers and defaults are filled in.
func (m *MemoryRepository) AddAccount(account domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	if account.Currency == "" {
		account.Currency = domain.DefaultCurrency
	}
	if account.Status == "" {
		account.Status = domain.AccountActive
	}
	if account.AccountType == "" {
		account.AccountType = "checking"
	}
	if account.OpenedAt.IsZero() {
		account.OpenedAt = time.Now().UTC()
	}
	m.accounts[account.AccountNumber] = &account
}

// CapitalLedger returns the applied capital movements in order.
func (m *MemoryRepository) CapitalLedger() []CapitalLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CapitalLedgerEntry(nil), m.ledger...)
}

func copyStrings(in []string) []string {
	return append([]string(nil), in...)
}

func copyConsent(c *domain.Consent) *domain.Consent {
	out := *c
	out.Permissions = copyStrings(c.Permissions)
	return &out
}

func copyConsentRequest(r *domain.ConsentRequest) *domain.ConsentRequest {
	out := *r
	out.Permissions = copyStrings(r.Permissions)
	return &out
}

func (m *MemoryRepository) FindClientByID(ctx context.Context, clientID string) (*domain.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return &client, nil
}

func (m *MemoryRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[accountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}
	out := *account
	return &out, nil
}

func (m *MemoryRepository) ListAccountsByClient(ctx context.Context, clientID string) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := []domain.Account{}
	for _, account := range m.accounts {
		if account.ClientID == clientID {
			accounts = append(accounts, *account)
		}
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].OpenedAt.Equal(accounts[j].OpenedAt) {
			return accounts[i].AccountNumber < accounts[j].AccountNumber
		}
		return accounts[i].OpenedAt.Before(accounts[j].OpenedAt)
	})
	return accounts, nil
}

func (m *MemoryRepository) SumAccountBalances(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, account := range m.accounts {
		total = total.Add(account.Balance)
	}
	return total, nil
}

func (m *MemoryRepository) CreateConsentRequest(ctx context.Context, req *domain.ConsentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consentRequests[req.ID] = copyConsentRequest(req)
	return nil
}

func (m *MemoryRepository) CreateAutoApprovedConsent(ctx context.Context, req *domain.ConsentRequest, consent *domain.Consent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consentRequests[req.ID] = copyConsentRequest(req)
	m.consents[consent.ID] = copyConsent(consent)
	return nil
}

func (m *MemoryRepository) FindConsentRequestByID(ctx context.Context, requestID string) (*domain.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.consentRequests[requestID]
	if !ok {
		return nil, ErrConsentRequestNotFound
	}
	return copyConsentRequest(req), nil
}

func (m *MemoryRepository) ListConsentRequestsByClient(ctx context.Context, clientID string, status domain.ConsentRequestStatus) ([]domain.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	requests := []domain.ConsentRequest{}
	for _, req := range m.consentRequests {
		if req.ClientID != clientID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		requests = append(requests, *copyConsentRequest(req))
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.After(requests[j].CreatedAt) })
	return requests, nil
}

func (m *MemoryRepository) DecideConsentRequest(ctx context.Context, params DecideConsentParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.consentRequests[params.RequestID]
	if !ok || req.ClientID != params.ClientID || req.Status != domain.ConsentRequestPending {
		return ErrConsentRequestNotFound
	}
	respondedAt := params.RespondedAt
	req.Status = params.Status
	req.RespondedAt = &respondedAt
	if params.Consent != nil {
		m.consents[params.Consent.ID] = copyConsent(params.Consent)
	}
	return nil
}

func (m *MemoryRepository) FindConsentByID(ctx context.Context, consentID string) (*domain.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consent, ok := m.consents[consentID]
	if !ok {
		return nil, ErrConsentNotFound
	}
	return copyConsent(consent), nil
}

func (m *MemoryRepository) ListConsentsByClient(ctx context.Context, clientID string) ([]domain.Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	consents := []domain.Consent{}
	for _, consent := range m.consents {
		if consent.ClientID == clientID {
			consents = append(consents, *copyConsent(consent))
		}
	}
	sort.Slice(consents, func(i, j int) bool { return consents[i].CreatedAt.After(consents[j].CreatedAt) })
	return consents, nil
}

func (m *MemoryRepository) TouchConsent(ctx context.Context, consentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	consent, ok := m.consents[consentID]
	if !ok || consent.Status != domain.ConsentActive {
		return ErrConsentNotFound
	}
	consent.LastAccessedAt = &at
	return nil
}

func (m *MemoryRepository) RevokeConsent(ctx context.Context, consentID, clientID string, at time.Time) (*domain.Consent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	consent, ok := m.consents[consentID]
	if !ok || consent.ClientID != clientID || consent.Status != domain.ConsentActive {
		return nil, ErrConsentNotFound
	}
	consent.Status = domain.ConsentRevoked
	consent.RevokedAt = &at
	consent.StatusUpdatedAt = at
	return copyConsent(consent), nil
}

func (m *MemoryRepository) ExpireConsents(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired int64
	for _, consent := range m.consents {
		if consent.Status == domain.ConsentActive && !now.Before(consent.ExpiresAt) {
			consent.Status = domain.ConsentExpired
			consent.StatusUpdatedAt = now
			expired++
		}
	}
	return expired, nil
}

func (m *MemoryRepository) FindAutoApprovalPolicy(ctx context.Context, requestingBank string) (*domain.AutoApprovalPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy, ok := m.policies[requestingBank]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	policy.Scopes = copyStrings(policy.Scopes)
	return &policy, nil
}

func (m *MemoryRepository) UpsertAutoApprovalPolicy(ctx context.Context, policy domain.AutoApprovalPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	policy.Scopes = copyStrings(policy.Scopes)
	m.policies[policy.RequestingBank] = policy
	return nil
}

func (m *MemoryRepository) CreateNotification(ctx context.Context, n domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MemoryRepository) ListNotifications(ctx context.Context, clientID string, limit int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normalizeLimit(limit)
	items := []domain.Notification{}
	for i := len(m.notifications) - 1; i >= 0 && len(items) < limit; i-- {
		if m.notifications[i].ClientID == clientID {
			items = append(items, m.notifications[i])
		}
	}
	return items, nil
}

func idempotencyIndex(fromAccount, key string) string {
	return fromAccount + "\x00" + key
}

func (m *MemoryRepository) transferForPayment(paymentID string) *domain.InterbankTransfer {
	for _, t := range m.transfers {
		if t.PaymentID != nil && *t.PaymentID == paymentID {
			out := *t
			return &out
		}
	}
	return nil
}

func (m *MemoryRepository) recordPayment(p domain.Payment) {
	m.payments[p.ID] = &p
	m.paymentOrder = append(m.paymentOrder, p.ID)
	if p.IdempotencyKey != nil {
		m.idempotency[idempotencyIndex(p.FromAccountNumber, *p.IdempotencyKey)] = p.ID
	}
}

// SettlePayment mirrors the PostgreSQL settlement: validation happens before any
// mutation, so a failed payment leaves no trace.
func (m *MemoryRepository) SettlePayment(ctx context.Context, params SettlePaymentParams) (*SettlementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := params.Payment
	source, ok := m.accounts[p.FromAccountNumber]
	if !ok {
		return nil, ErrAccountNotFound
	}

	if p.IdempotencyKey != nil {
		if id, ok := m.idempotency[idempotencyIndex(p.FromAccountNumber, *p.IdempotencyKey)]; ok {
			existing := *m.payments[id]
			if !existing.SameInstruction(domain.PaymentInstruction{
				FromAccountNumber: p.FromAccountNumber,
				ToAccountNumber:   p.ToAccountNumber,
				Amount:            p.Amount,
				Currency:          p.Currency,
			}) {
				return nil, ErrIdempotencyConflict
			}
			return &SettlementResult{Payment: &existing, Transfer: m.transferForPayment(id), Replayed: true}, nil
		}
	}

	dest := m.accounts[p.ToAccountNumber]
	plan, err := planSettlement(source, dest, p.Amount, p.Currency)
	if err != nil {
		return nil, err
	}

	if plan.rejectReason != "" {
		p.Status = domain.PaymentRejected
		p.DestinationBank = params.BankCode
		p.RejectionReason = stringPtr(plan.rejectReason)
		m.recordPayment(p)
		return &SettlementResult{Payment: &p}, nil
	}

	source.Balance = source.Balance.Sub(p.Amount)

	var transfer *domain.InterbankTransfer
	if plan.local {
		dest.Balance = dest.Balance.Add(p.Amount)
		p.DestinationBank = params.BankCode
	} else {
		p.DestinationBank = domain.ExternalBank
		transfer = &domain.InterbankTransfer{
			ID:            params.TransferID,
			PaymentID:     stringPtr(p.ID),
			Direction:     domain.TransferOutbound,
			FromBank:      params.BankCode,
			ToBank:        domain.ExternalBank,
			AccountNumber: p.ToAccountNumber,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Status:        domain.TransferCompleted,
			Reference:     p.ID,
			CreatedAt:     p.CreatedAt,
		}
		stored := *transfer
		m.transfers = append(m.transfers, &stored)
	}

	p.Status = domain.PaymentCompleted
	m.recordPayment(p)
	return &SettlementResult{Payment: &p, Transfer: transfer}, nil
}

func (m *MemoryRepository) ReceiveInterbankTransfer(ctx context.Context, transfer domain.InterbankTransfer) (*domain.InterbankTransfer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if transfer.Reference != "" {
		for _, t := range m.transfers {
			if t.Direction == domain.TransferInbound && t.FromBank == transfer.FromBank && t.Reference == transfer.Reference {
				out := *t
				return &out, true, nil
			}
		}
	}

	account, ok := m.accounts[transfer.AccountNumber]
	if !ok {
		return nil, false, ErrAccountNotFound
	}
	if account.Status != domain.AccountActive {
		return nil, false, ErrAccountNotActive
	}
	if account.Currency != transfer.Currency {
		return nil, false, ErrCurrencyMismatch
	}

	account.Balance = account.Balance.Add(transfer.Amount)
	stored := transfer
	m.transfers = append(m.transfers, &stored)
	return &transfer, false, nil
}

func (m *MemoryRepository) FindPaymentByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryRepository) FindInterbankTransferByPaymentID(ctx context.Context, paymentID string) (*domain.InterbankTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t := m.transferForPayment(paymentID); t != nil {
		return t, nil
	}
	return nil, ErrTransferNotFound
}

func (m *MemoryRepository) ListPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normalizeLimit(limit)
	payments := []domain.Payment{}
	for i := len(m.paymentOrder) - 1; i >= 0 && len(payments) < limit; i-- {
		p := m.payments[m.paymentOrder[i]]
		if status == "" || p.Status == status {
			payments = append(payments, *p)
		}
	}
	return payments, nil
}

func (m *MemoryRepository) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normalizeLimit(limit)
	payments := []domain.Payment{}
	for _, id := range m.paymentOrder {
		if len(payments) >= limit {
			break
		}
		p := m.payments[id]
		if p.Status == domain.PaymentInProcess && p.UpdatedAt.Before(olderThan) {
			payments = append(payments, *p)
		}
	}
	return payments, nil
}

func (m *MemoryRepository) ListInterbankTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normalizeLimit(limit)
	transfers := []domain.InterbankTransfer{}
	for i := len(m.transfers) - 1; i >= 0 && len(transfers) < limit; i-- {
		transfers = append(transfers, *m.transfers[i])
	}
	return transfers, nil
}

func (m *MemoryRepository) ListUnappliedTransfers(ctx context.Context, limit int) ([]domain.InterbankTransfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normalizeLimit(limit)
	transfers := []domain.InterbankTransfer{}
	for _, t := range m.transfers {
		if len(transfers) >= limit {
			break
		}
		if t.CapitalAppliedAt == nil {
			transfers = append(transfers, *t)
		}
	}
	return transfers, nil
}

func (m *MemoryRepository) GetBankCapital(ctx context.Context, bankCode string) (*domain.BankCapital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.capital[bankCode]
	if !ok {
		return nil, ErrCapitalNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemoryRepository) applyCapitalDelta(update CapitalUpdate, delta decimal.Decimal, transferID string) *domain.BankCapital {
	c, ok := m.capital[update.BankCode]
	if !ok {
		c = &domain.BankCapital{
			BankCode:       update.BankCode,
			Capital:        update.InitialCapital,
			InitialCapital: update.InitialCapital,
			TotalDeposits:  decimal.Zero,
			TotalLoans:     decimal.Zero,
		}
		m.capital[update.BankCode] = c
	}
	c.Capital = c.Capital.Add(delta)
	c.UpdatedAt = update.At
	m.ledger = append(m.ledger, CapitalLedgerEntry{
		BankCode:   update.BankCode,
		Delta:      delta,
		Reason:     update.Reason,
		TransferID: transferID,
		At:         update.At,
	})
	out := *c
	return &out
}

func (m *MemoryRepository) UpdateCapital(ctx context.Context, update CapitalUpdate) (*domain.BankCapital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.applyCapitalDelta(update, update.Delta, ""), nil
}

func (m *MemoryRepository) ApplyTransferToCapital(ctx context.Context, transferID string, update CapitalUpdate) (*domain.BankCapital, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, t := range m.transfers {
		if t.ID != transferID {
			continue
		}
		if t.CapitalAppliedAt != nil {
			return nil, ErrTransferAlreadyApplied
		}
		capital := m.applyCapitalDelta(update, t.CapitalDelta(), t.ID)
		at := update.At
		t.CapitalAppliedAt = &at
		return capital, nil
	}
	return nil, ErrTransferNotFound
}
