/**
 * @description
 * ConsentService drives the consent lifecycle: a remote bank requests access to a
 * customer's data, the customer (or the auto-approval policy) decides, and every later
 * data or payment call from that bank is authorized against the resulting consent.
 *
 * States:
 * - request: pending -> approved | rejected (both terminal)
 * - consent: active -> revoked (terminal); active consents past their expiry are treated
 *   as expired at use time whether or not the sweep job already flipped them.
 *
 * @dependencies
 * - internal/store: persistence of requests, consents, policies and notifications.
 * - pkg/rabbitmq: consent.* events.
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
)

// ConsentConfig configures a ConsentService.
type ConsentConfig struct {
	BankCode           string
	TTL                time.Duration
	AutoApproveDefault bool
	EventsExchange     string
	Now                func() time.Time
}

// ConsentService implements the consent lifecycle.
type ConsentService struct {
	repo     store.Repository
	producer rabbitmq.Publisher
	cfg      ConsentConfig
}

// NewConsentService creates a new consent service instance.
func NewConsentService(repo store.Repository, producer rabbitmq.Publisher, cfg ConsentConfig) *ConsentService {
	if cfg.TTL <= 0 {
		cfg.TTL = 90 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ConsentService{repo: repo, producer: producer, cfg: cfg}
}

func (s *ConsentService) now() time.Time {
	return s.cfg.Now().UTC()
}

// AccessRequest is what a remote bank submits on behalf of a customer.
type AccessRequest struct {
	ClientID           string
	RequestingBank     string
	RequestingBankName string
	Permissions        []string
	Reason             string
}

// AccessResult carries the stored request and, when auto-approved, the active consent.
type AccessResult struct {
	Request      *domain.ConsentRequest
	Consent      *domain.Consent
	AutoApproved bool
}

// RequestAccess records a consent request. When the auto-approval policy allows the
// requesting bank and scopes, the request is stored approved together with an active
// consent in a single write.
func (s *ConsentService) RequestAccess(ctx context.Context, in AccessRequest) (*AccessResult, error) {
	clientID := strings.TrimSpace(in.ClientID)
	bank := strings.ToLower(strings.TrimSpace(in.RequestingBank))
	if clientID == "" {
		return nil, ErrCustomerNotFound
	}
	if bank == "" {
		return nil, ErrConsentInvalid
	}

	scopes := domain.NormalizeScopes(in.Permissions)
	if len(scopes) == 0 {
		return nil, ErrInvalidScopes
	}
	for _, scope := range scopes {
		if !domain.IsKnownScope(scope) {
			return nil, ErrInvalidScopes
		}
	}

	if _, err := s.repo.FindClientByID(ctx, clientID); err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to look up customer: %w", err)
	}

	now := s.now()
	req := &domain.ConsentRequest{
		ID:                 newID("req"),
		ClientID:           clientID,
		RequestingBank:     bank,
		RequestingBankName: strings.TrimSpace(in.RequestingBankName),
		Permissions:        scopes,
		Reason:             strings.TrimSpace(in.Reason),
		Status:             domain.ConsentRequestPending,
		CreatedAt:          now,
	}

	if !s.autoApproves(ctx, bank, scopes) {
		if err := s.repo.CreateConsentRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to create consent request: %w", err)
		}
		s.notify(ctx, clientID, domain.NotificationConsentRequest, "New data access request",
			fmt.Sprintf("%s requests access: %s", displayBank(req), strings.Join(scopes, ", ")), req.ID)
		publish(ctx, s.producer, s.cfg.EventsExchange, domain.EventConsentRequested, requestEvent(req, now))
		log.Printf("level=info component=consent msg=\"consent request created\" request_id=%s client_id=%s bank=%s", req.ID, clientID, bank)
		return &AccessResult{Request: req}, nil
	}

	req.Status = domain.ConsentRequestApproved
	req.RespondedAt = &now
	consent := s.grant(req, now)
	if err := s.repo.CreateAutoApprovedConsent(ctx, req, consent); err != nil {
		return nil, fmt.Errorf("failed to create auto-approved consent: %w", err)
	}
	s.notify(ctx, clientID, domain.NotificationConsentApproved, "Data access granted",
		fmt.Sprintf("%s was granted access automatically: %s", displayBank(req), strings.Join(scopes, ", ")), consent.ID)
	publish(ctx, s.producer, s.cfg.EventsExchange, domain.EventConsentApproved, consentEvent(consent, now))
	log.Printf("level=info component=consent msg=\"consent auto-approved\" consent_id=%s client_id=%s bank=%s", consent.ID, clientID, bank)
	return &AccessResult{Request: req, Consent: consent, AutoApproved: true}, nil
}

// autoApproves resolves the policy for bank: its own row, else the wildcard row, else
// the configured default. Lookup failures deny auto-approval.
func (s *ConsentService) autoApproves(ctx context.Context, bank string, scopes []string) bool {
	for _, key := range []string{bank, domain.WildcardBank} {
		policy, err := s.repo.FindAutoApprovalPolicy(ctx, key)
		if err == nil {
			return policy.Allows(scopes)
		}
		if !errors.Is(err, store.ErrPolicyNotFound) {
			log.Printf("level=warn component=consent msg=\"auto-approval policy lookup failed\" bank=%s err=%v", key, err)
			return false
		}
	}
	return s.cfg.AutoApproveDefault
}

// grant builds the active consent for an approved request. Permissions are the
// request's own scopes, never more.
func (s *ConsentService) grant(req *domain.ConsentRequest, now time.Time) *domain.Consent {
	signedAt := now
	return &domain.Consent{
		ID:              newID("consent"),
		RequestID:       req.ID,
		ClientID:        req.ClientID,
		GrantedTo:       req.RequestingBank,
		Permissions:     append([]string(nil), req.Permissions...),
		Status:          domain.ConsentActive,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.TTL),
		StatusUpdatedAt: now,
		SignedAt:        &signedAt,
	}
}

// DecisionInput is a customer's answer to a pending request.
type DecisionInput struct {
	RequestID string
	ClientID  string
	Decision  domain.ConsentDecision
	Signature string
}

// DecisionResult is the decided request and, on approval, its consent.
type DecisionResult struct {
	Request *domain.ConsentRequest
	Consent *domain.Consent
}

// Decide approves or rejects a pending request owned by the customer.
func (s *ConsentService) Decide(ctx context.Context, in DecisionInput) (*DecisionResult, error) {
	decision := domain.ConsentDecision(strings.ToLower(strings.TrimSpace(string(in.Decision))))
	if decision != domain.DecisionApprove && decision != domain.DecisionReject {
		return nil, ErrInvalidDecision
	}

	req, err := s.repo.FindConsentRequestByID(ctx, strings.TrimSpace(in.RequestID))
	if err != nil {
		if errors.Is(err, store.ErrConsentRequestNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to load consent request: %w", err)
	}
	if req.ClientID != in.ClientID || req.Status != domain.ConsentRequestPending {
		return nil, ErrRequestNotFound
	}

	now := s.now()
	params := store.DecideConsentParams{
		RequestID:   req.ID,
		ClientID:    req.ClientID,
		Status:      domain.ConsentRequestRejected,
		RespondedAt: now,
	}
	var consent *domain.Consent
	if decision == domain.DecisionApprove {
		consent = s.grant(req, now)
		params.Status = domain.ConsentRequestApproved
		params.Consent = consent
	}

	if err := s.repo.DecideConsentRequest(ctx, params); err != nil {
		if errors.Is(err, store.ErrConsentRequestNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to record decision: %w", err)
	}
	req.Status = params.Status
	req.RespondedAt = &now

	if consent != nil {
		s.notify(ctx, req.ClientID, domain.NotificationConsentApproved, "Data access granted",
			fmt.Sprintf("You granted %s access: %s", displayBank(req), strings.Join(req.Permissions, ", ")), consent.ID)
		publish(ctx, s.producer, s.cfg.EventsExchange, domain.EventConsentApproved, consentEvent(consent, now))
	} else {
		s.notify(ctx, req.ClientID, domain.NotificationConsentRejected, "Data access declined",
			fmt.Sprintf("You declined the request from %s", displayBank(req)), req.ID)
		publish(ctx, s.producer, s.cfg.EventsExchange, domain.EventConsentRejected, requestEvent(req, now))
	}
	log.Printf("level=info component=consent msg=\"consent request decided\" request_id=%s decision=%s signed=%t", req.ID, decision, in.Signature != "")
	return &DecisionResult{Request: req, Consent: consent}, nil
}

// Authorize checks that consentID lets bank act with the required scopes right now and
// stamps the consent's last access time.
func (s *ConsentService) Authorize(ctx context.Context, consentID, bank string, required []string) (*domain.Consent, error) {
	consentID = strings.TrimSpace(consentID)
	if consentID == "" {
		return nil, ErrConsentInvalid
	}
	consent, err := s.repo.FindConsentByID(ctx, consentID)
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, ErrConsentInvalid
		}
		return nil, fmt.Errorf("failed to load consent: %w", err)
	}

	now := s.now()
	if !consent.UsableBy(strings.ToLower(bank), required, now) {
		return nil, ErrConsentInvalid
	}
	if err := s.repo.TouchConsent(ctx, consent.ID, now); err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, ErrConsentInvalid
		}
		return nil, fmt.Errorf("failed to record consent access: %w", err)
	}
	consent.LastAccessedAt = &now
	return consent, nil
}

// Revoke ends an active consent of the customer.
func (s *ConsentService) Revoke(ctx context.Context, consentID, clientID string) (*domain.Consent, error) {
	now := s.now()
	consent, err := s.repo.RevokeConsent(ctx, strings.TrimSpace(consentID), clientID, now)
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to revoke consent: %w", err)
	}
	publish(ctx, s.producer, s.cfg.EventsExchange, domain.EventConsentRevoked, consentEvent(consent, now))
	log.Printf("level=info component=consent msg=\"consent revoked\" consent_id=%s client_id=%s", consent.ID, clientID)
	return consent, nil
}

// ListPendingRequests returns the customer's undecided requests.
func (s *ConsentService) ListPendingRequests(ctx context.Context, clientID string) ([]domain.ConsentRequest, error) {
	return s.repo.ListConsentRequestsByClient(ctx, clientID, domain.ConsentRequestPending)
}

// ListConsents returns the customer's consents with time-based expiry applied.
func (s *ConsentService) ListConsents(ctx context.Context, clientID string) ([]domain.Consent, error) {
	consents, err := s.repo.ListConsentsByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range consents {
		consents[i].Status = consents[i].EffectiveStatus(now)
	}
	return consents, nil
}

// RevokeForBank lets the grantee bank give up an active consent. Consents granted to
// other banks are reported as not found.
func (s *ConsentService) RevokeForBank(ctx context.Context, consentID, bank string) (*domain.Consent, error) {
	consent, err := s.repo.FindConsentByID(ctx, strings.TrimSpace(consentID))
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load consent: %w", err)
	}
	bank = strings.ToLower(strings.TrimSpace(bank))
	if bank == "" || consent.GrantedTo != bank {
		return nil, ErrNotFound
	}
	if consent.EffectiveStatus(s.now()) != domain.ConsentActive {
		return nil, ErrConsentInvalid
	}

	revoked, err := s.Revoke(ctx, consent.ID, consent.ClientID)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, revoked.ClientID, domain.NotificationConsentRevoked, "Data access ended",
		fmt.Sprintf("%s gave up its access to your data", bank), revoked.ID)
	return revoked, nil
}

// GetConsentForBank returns a consent only to the bank it was granted to.
func (s *ConsentService) GetConsentForBank(ctx context.Context, consentID, bank string) (*domain.Consent, error) {
	consent, err := s.repo.FindConsentByID(ctx, strings.TrimSpace(consentID))
	if err != nil {
		if errors.Is(err, store.ErrConsentNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if consent.GrantedTo != strings.ToLower(bank) {
		return nil, ErrNotFound
	}
	consent.Status = consent.EffectiveStatus(s.now())
	return consent, nil
}

// SetAutoApprovalPolicy stores the policy for bank ("*" for the wildcard row).
func (s *ConsentService) SetAutoApprovalPolicy(ctx context.Context, bank string, enabled bool, scopes []string) (*domain.AutoApprovalPolicy, error) {
	bank = strings.ToLower(strings.TrimSpace(bank))
	if bank == "" {
		return nil, ErrConsentInvalid
	}
	normalized := domain.NormalizeScopes(scopes)
	for _, scope := range normalized {
		if !domain.IsKnownScope(scope) {
			return nil, ErrInvalidScopes
		}
	}
	policy := domain.AutoApprovalPolicy{
		RequestingBank: bank,
		Enabled:        enabled,
		Scopes:         normalized,
		UpdatedAt:      s.now(),
	}
	if err := s.repo.UpsertAutoApprovalPolicy(ctx, policy); err != nil {
		return nil, fmt.Errorf("failed to store auto-approval policy: %w", err)
	}
	return &policy, nil
}

// ListNotifications returns the customer's newest notifications.
func (s *ConsentService) ListNotifications(ctx context.Context, clientID string, limit int) ([]domain.Notification, error) {
	return s.repo.ListNotifications(ctx, clientID, limit)
}

func (s *ConsentService) notify(ctx context.Context, clientID, kind, title, message, relatedID string) {
	n := domain.Notification{
		ID:        newID("ntf"),
		ClientID:  clientID,
		Type:      kind,
		Title:     title,
		Message:   message,
		RelatedID: relatedID,
		CreatedAt: s.now(),
	}
	if err := s.repo.CreateNotification(ctx, n); err != nil {
		log.Printf("level=warn component=consent msg=\"failed to store notification\" client_id=%s type=%s err=%v", clientID, kind, err)
	}
}

func displayBank(req *domain.ConsentRequest) string {
	if req.RequestingBankName != "" {
		return req.RequestingBankName
	}
	return req.RequestingBank
}

func requestEvent(req *domain.ConsentRequest, at time.Time) domain.ConsentEvent {
	return domain.ConsentEvent{
		RequestID:      req.ID,
		ClientID:       req.ClientID,
		RequestingBank: req.RequestingBank,
		Status:         string(req.Status),
		Permissions:    req.Permissions,
		OccurredAt:     at,
	}
}

func consentEvent(c *domain.Consent, at time.Time) domain.ConsentEvent {
	return domain.ConsentEvent{
		ConsentID:      c.ID,
		RequestID:      c.RequestID,
		ClientID:       c.ClientID,
		RequestingBank: c.GrantedTo,
		Status:         string(c.Status),
		Permissions:    c.Permissions,
		OccurredAt:     at,
	}
}
