package app

import (
	"context"
	"strings"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
)

// AccountService serves account reads to customers directly and to remote banks
// through their consents.
type AccountService struct {
	repo     store.Repository
	consents *ConsentService
}

// NewAccountService creates a new account service instance.
func NewAccountService(repo store.Repository, consents *ConsentService) *AccountService {
	return &AccountService{repo: repo, consents: consents}
}

// ListForCustomer returns the customer's own accounts.
func (s *AccountService) ListForCustomer(ctx context.Context, clientID string) ([]domain.Account, error) {
	return s.repo.ListAccountsByClient(ctx, clientID)
}

// ListForBank returns the consenting customer's accounts to bank.
func (s *AccountService) ListForBank(ctx context.Context, bank, consentID string) ([]domain.Account, *domain.Consent, error) {
	consent, err := s.consents.Authorize(ctx, consentID, bank, []string{domain.ScopeReadAccountsDetail})
	if err != nil {
		return nil, nil, err
	}
	accounts, err := s.repo.ListAccountsByClient(ctx, consent.ClientID)
	if err != nil {
		return nil, nil, err
	}
	return accounts, consent, nil
}

// BalanceForCustomer returns one of the customer's own accounts.
func (s *AccountService) BalanceForCustomer(ctx context.Context, clientID, accountNumber string) (*domain.Account, error) {
	account, err := s.repo.FindAccountByNumber(ctx, strings.TrimSpace(accountNumber))
	if err != nil {
		return nil, err
	}
	if account.ClientID != clientID {
		return nil, store.ErrAccountNotFound
	}
	return account, nil
}

// BalanceForBank returns an account of the consenting customer to bank. Accounts of
// other customers are reported as not found.
func (s *AccountService) BalanceForBank(ctx context.Context, bank, consentID, accountNumber string) (*domain.Account, error) {
	consent, err := s.consents.Authorize(ctx, consentID, bank, []string{domain.ScopeReadBalances})
	if err != nil {
		return nil, err
	}
	return s.BalanceForCustomer(ctx, consent.ClientID, accountNumber)
}

// AuthorizePaymentSource checks that principal may debit fromAccount. Customers may
// debit their own accounts; banks and teams need a consent with CreatePayments over an
// account of the consenting customer.
func (s *AccountService) AuthorizePaymentSource(ctx context.Context, principal domain.Principal, consentID, fromAccount string) error {
	owner := principal.Subject
	if principal.Kind.Federated() {
		consent, err := s.consents.Authorize(ctx, consentID, principal.BankCode(), []string{domain.ScopeCreatePayments})
		if err != nil {
			return err
		}
		owner = consent.ClientID
	} else if principal.Kind != domain.PrincipalCustomer {
		return ErrAccountNotOwned
	}

	account, err := s.repo.FindAccountByNumber(ctx, strings.TrimSpace(fromAccount))
	if err != nil {
		return err
	}
	if account.ClientID != owner {
		if principal.Kind.Federated() {
			return ErrConsentInvalid
		}
		return ErrAccountNotOwned
	}
	return nil
}
