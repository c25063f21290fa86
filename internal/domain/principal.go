/**
 * @description
 * Principal and token-related domain types shared by the token service,
 * the HTTP middleware and the application services.
 */

package domain

import (
	"strings"
	"time"
)

// PrincipalKind identifies which class of caller a token was issued to.
type PrincipalKind string

const (
	PrincipalCustomer PrincipalKind = "customer"
	PrincipalBank     PrincipalKind = "bank"
	PrincipalTeam     PrincipalKind = "team"
	PrincipalBanker   PrincipalKind = "banker"
)

// ParsePrincipalKind normalizes a kind string. The legacy "client" label is accepted for customers.
func ParsePrincipalKind(raw string) (PrincipalKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "customer", "client":
		return PrincipalCustomer, true
	case "bank":
		return PrincipalBank, true
	case "team":
		return PrincipalTeam, true
	case "banker":
		return PrincipalBanker, true
	}
	return "", false
}

// Federated reports whether tokens of this kind are signed with the bank's RSA key.
func (k PrincipalKind) Federated() bool {
	return k == PrincipalBank || k == PrincipalTeam
}

// TokenScheme labels how an assertion was signed.
type TokenScheme string

const (
	SchemeSymmetric  TokenScheme = "symmetric"
	SchemeAsymmetric TokenScheme = "asymmetric"
)

// Principal is the authenticated party behind a request.
type Principal struct {
	Kind      PrincipalKind `json:"kind"`
	Subject   string        `json:"subject"`
	Issuer    string        `json:"issuer,omitempty"`
	Audience  []string      `json:"audience,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// BankCode returns the caller's own bank code for bank and team principals.
func (p Principal) BankCode() string {
	if p.Kind.Federated() {
		return p.Subject
	}
	return ""
}

// Initiator renders the principal as stored on records it creates, e.g. "bank:abank".
func (p Principal) Initiator() string {
	return string(p.Kind) + ":" + p.Subject
}
