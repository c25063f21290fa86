package domain

import "testing"

func TestParsePrincipalKind(t *testing.T) {
	cases := []struct {
		raw  string
		want PrincipalKind
		ok   bool
	}{
		{raw: "customer", want: PrincipalCustomer, ok: true},
		{raw: " Client ", want: PrincipalCustomer, ok: true},
		{raw: "BANK", want: PrincipalBank, ok: true},
		{raw: "team", want: PrincipalTeam, ok: true},
		{raw: "banker", want: PrincipalBanker, ok: true},
		{raw: "admin"},
		{raw: ""},
	}
	for _, tc := range cases {
		got, ok := ParsePrincipalKind(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParsePrincipalKind(%q) = %q,%t; want %q,%t", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPrincipalBankCodeAndInitiator(t *testing.T) {
	bank := Principal{Kind: PrincipalBank, Subject: "abank"}
	if bank.BankCode() != "abank" || bank.Initiator() != "bank:abank" {
		t.Fatalf("unexpected bank principal rendering: %q %q", bank.BankCode(), bank.Initiator())
	}
	customer := Principal{Kind: PrincipalCustomer, Subject: "cli-001"}
	if customer.BankCode() != "" || customer.Kind.Federated() {
		t.Fatalf("customer must not carry a bank code")
	}
	if !PrincipalTeam.Federated() || PrincipalBanker.Federated() {
		t.Fatalf("unexpected federated classification")
	}
}
