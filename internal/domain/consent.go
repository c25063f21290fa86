/**
 * @description
 * Consent domain models. A ConsentRequest is raised by a remote bank on behalf of
 * a local customer; an approved request (or an auto-approved one) yields a Consent
 * that the remote bank presents on every data or payment call.
 */

package domain

import (
	"sort"
	"strings"
	"time"
)

// ConsentRequestStatus is the decision state of a ConsentRequest.
type ConsentRequestStatus string

const (
	ConsentRequestPending  ConsentRequestStatus = "pending"
	ConsentRequestApproved ConsentRequestStatus = "approved"
	ConsentRequestRejected ConsentRequestStatus = "rejected"
)

// ConsentStatus is the stored state of a granted Consent.
type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "active"
	ConsentRevoked ConsentStatus = "revoked"
	ConsentExpired ConsentStatus = "expired"
)

// ConsentDecision is the customer's answer to a pending request.
type ConsentDecision string

const (
	DecisionApprove ConsentDecision = "approve"
	DecisionReject  ConsentDecision = "reject"
)

// Permission tags understood by this bank.
const (
	ScopeReadAccountsBasic      = "ReadAccountsBasic"
	ScopeReadAccountsDetail     = "ReadAccountsDetail"
	ScopeReadBalances           = "ReadBalances"
	ScopeReadTransactionsDetail = "ReadTransactionsDetail"
	ScopeCreatePayments         = "CreatePayments"
)

var knownScopes = map[string]struct{}{
	ScopeReadAccountsBasic:      {},
	ScopeReadAccountsDetail:     {},
	ScopeReadBalances:           {},
	ScopeReadTransactionsDetail: {},
	ScopeCreatePayments:         {},
}

// IsKnownScope reports whether the tag is one this bank grants.
func IsKnownScope(scope string) bool {
	_, ok := knownScopes[scope]
	return ok
}

// NormalizeScopes trims, de-duplicates and sorts a scope list.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		trimmed := strings.TrimSpace(scope)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}

// ScopesSubset reports whether every entry of required appears in granted.
func ScopesSubset(required, granted []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, g := range granted {
		set[g] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// ConsentRequest links a customer to a requesting bank.
type ConsentRequest struct {
	ID                 string               `json:"request_id"`
	ClientID           string               `json:"client_id"`
	RequestingBank     string               `json:"requesting_bank"`
	RequestingBankName string               `json:"requesting_bank_name,omitempty"`
	Permissions        []string             `json:"permissions"`
	Reason             string               `json:"reason"`
	Status             ConsentRequestStatus `json:"status"`
	CreatedAt          time.Time            `json:"created_at"`
	RespondedAt        *time.Time           `json:"responded_at,omitempty"`
}

// Consent is the granted artifact a requesting bank presents.
type Consent struct {
	ID              string        `json:"consent_id"`
	RequestID       string        `json:"request_id,omitempty"`
	ClientID        string        `json:"client_id"`
	GrantedTo       string        `json:"granted_to"`
	Permissions     []string      `json:"permissions"`
	Status          ConsentStatus `json:"status"`
	CreatedAt       time.Time     `json:"creation_date_time"`
	ExpiresAt       time.Time     `json:"expiration_date_time"`
	StatusUpdatedAt time.Time     `json:"status_update_date_time"`
	SignedAt        *time.Time    `json:"signed_at,omitempty"`
	RevokedAt       *time.Time    `json:"revoked_at,omitempty"`
	LastAccessedAt  *time.Time    `json:"last_accessed_at,omitempty"`
}

// UsableBy reports whether the consent authorizes bank for scopes at now.
// Expiry is checked against the clock, so a stored "active" status is not enough.
func (c Consent) UsableBy(bank string, scopes []string, now time.Time) bool {
	if c.Status != ConsentActive {
		return false
	}
	if !now.Before(c.ExpiresAt) {
		return false
	}
	if c.GrantedTo != bank {
		return false
	}
	return ScopesSubset(scopes, c.Permissions)
}

// EffectiveStatus reports expired for active consents past their expiry.
func (c Consent) EffectiveStatus(now time.Time) ConsentStatus {
	if c.Status == ConsentActive && !now.Before(c.ExpiresAt) {
		return ConsentExpired
	}
	return c.Status
}

// AutoApprovalPolicy controls whether a bank's requests skip customer sign-off.
// An empty Scopes list allows any known scope.
type AutoApprovalPolicy struct {
	RequestingBank string    `json:"requesting_bank"`
	Enabled        bool      `json:"enabled"`
	Scopes         []string  `json:"scopes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WildcardBank is the policy row applied to banks without their own row.
const WildcardBank = "*"

// Allows reports whether the policy auto-approves the requested scopes.
func (p AutoApprovalPolicy) Allows(scopes []string) bool {
	if !p.Enabled {
		return false
	}
	if len(p.Scopes) == 0 {
		return true
	}
	return ScopesSubset(scopes, p.Scopes)
}

// Notification is a customer inbox entry.
type Notification struct {
	ID        string    `json:"notification_id"`
	ClientID  string    `json:"client_id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RelatedID string    `json:"related_id,omitempty"`
	Read      bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NotificationConsentRequest  = "consent_request"
	NotificationConsentApproved = "consent_approved"
	NotificationConsentRejected = "consent_rejected"
	NotificationConsentRevoked  = "consent_revoked"
)
