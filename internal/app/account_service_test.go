package app

import (
	"context"
	"errors"
	"testing"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
)

func TestAuthorizePaymentSource(t *testing.T) {
	repo := newTestRepo()
	consents, _, _ := newTestConsentService(repo, true)
	accounts := NewAccountService(repo, consents)
	ctx := context.Background()

	paying, err := consents.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeCreatePayments}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	reading, err := consents.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}

	bank := domain.Principal{Kind: domain.PrincipalBank, Subject: "abank"}
	cases := []struct {
		name      string
		principal domain.Principal
		consentID string
		from      string
		want      error
	}{
		{name: "customer owns account", principal: domain.Principal{Kind: domain.PrincipalCustomer, Subject: "cli-001"}, from: "4000-0001"},
		{name: "customer foreign account", principal: domain.Principal{Kind: domain.PrincipalCustomer, Subject: "cli-002"}, from: "4000-0001", want: ErrAccountNotOwned},
		{name: "banker", principal: domain.Principal{Kind: domain.PrincipalBanker, Subject: "banker"}, from: "4000-0001", want: ErrAccountNotOwned},
		{name: "bank with payment consent", principal: bank, consentID: paying.Consent.ID, from: "4000-0001"},
		{name: "bank without consent", principal: bank, from: "4000-0001", want: ErrConsentInvalid},
		{name: "bank with read-only consent", principal: bank, consentID: reading.Consent.ID, from: "4000-0001", want: ErrConsentInvalid},
		{name: "bank debiting another customer", principal: bank, consentID: paying.Consent.ID, from: "4000-0002", want: ErrConsentInvalid},
		{name: "other bank presenting consent", principal: domain.Principal{Kind: domain.PrincipalTeam, Subject: "team042"}, consentID: paying.Consent.ID, from: "4000-0001", want: ErrConsentInvalid},
		{name: "unknown account", principal: domain.Principal{Kind: domain.PrincipalCustomer, Subject: "cli-001"}, from: "4000-9999", want: store.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := accounts.AuthorizePaymentSource(ctx, tc.principal, tc.consentID, tc.from)
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestBalanceForBank_ScopedToConsentingCustomer(t *testing.T) {
	repo := newTestRepo()
	consents, _, _ := newTestConsentService(repo, true)
	accounts := NewAccountService(repo, consents)
	ctx := context.Background()

	result, err := consents.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}

	account, err := accounts.BalanceForBank(ctx, "abank", result.Consent.ID, "4000-0001")
	if err != nil {
		t.Fatalf("BalanceForBank returned error: %v", err)
	}
	if account.AccountNumber != "4000-0001" {
		t.Fatalf("unexpected account: %+v", account)
	}
	if _, err := accounts.BalanceForBank(ctx, "abank", result.Consent.ID, "4000-0002"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound for another customer's account, got %v", err)
	}
	if _, _, err := accounts.ListForBank(ctx, "abank", result.Consent.ID); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid without ReadAccountsDetail, got %v", err)
	}
}
