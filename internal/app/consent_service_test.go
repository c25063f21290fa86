package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/shopspring/decimal"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRepo() *store.MemoryRepository {
	repo := store.NewMemoryRepository()
	repo.AddClient(domain.Client{ID: "cli-001", FullName: "Alice"})
	repo.AddClient(domain.Client{ID: "cli-002", FullName: "Bob"})
	repo.AddAccount(domain.Account{ClientID: "cli-001", AccountNumber: "4000-0001", Balance: decimal.RequireFromString("500.00")})
	repo.AddAccount(domain.Account{ClientID: "cli-002", AccountNumber: "4000-0002", Balance: decimal.Zero})
	return repo
}

func newTestConsentService(repo store.Repository, autoApprove bool) (*ConsentService, *recordingPublisher, *testClock) {
	publisher := &recordingPublisher{}
	clock := newTestClock()
	svc := NewConsentService(repo, publisher, ConsentConfig{
		BankCode:           "vbank",
		TTL:                90 * 24 * time.Hour,
		AutoApproveDefault: autoApprove,
		EventsExchange:     "bank_events",
		Now:                clock.Now,
	})
	return svc, publisher, clock
}

func TestRequestAccess_AutoApprovesByDefault(t *testing.T) {
	repo := newTestRepo()
	svc, publisher, clock := newTestConsentService(repo, true)

	result, err := svc.RequestAccess(context.Background(), AccessRequest{
		ClientID:       "cli-001",
		RequestingBank: "ABank",
		Permissions:    []string{"ReadBalances", "ReadAccountsDetail", "ReadBalances"},
	})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	if !result.AutoApproved || result.Consent == nil {
		t.Fatalf("expected auto-approved consent, got %+v", result)
	}
	consent := result.Consent
	if consent.GrantedTo != "abank" || consent.Status != domain.ConsentActive {
		t.Fatalf("unexpected consent: %+v", consent)
	}
	if len(consent.Permissions) != 2 {
		t.Fatalf("expected de-duplicated permissions, got %v", consent.Permissions)
	}
	if want := clock.Now().Add(90 * 24 * time.Hour); !consent.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s", want, consent.ExpiresAt)
	}
	if result.Request.Status != domain.ConsentRequestApproved {
		t.Fatalf("expected approved request, got %s", result.Request.Status)
	}

	notifications, _ := repo.ListNotifications(context.Background(), "cli-001", 10)
	if len(notifications) != 1 || notifications[0].Type != domain.NotificationConsentApproved {
		t.Fatalf("expected one approval notification, got %+v", notifications)
	}
	if keys := publisher.published(); len(keys) != 1 || keys[0] != domain.EventConsentApproved {
		t.Fatalf("expected consent.approved event, got %v", keys)
	}
}

func TestRequestAccess_PendingThenDecide(t *testing.T) {
	repo := newTestRepo()
	svc, publisher, _ := newTestConsentService(repo, false)

	result, err := svc.RequestAccess(context.Background(), AccessRequest{
		ClientID:       "cli-001",
		RequestingBank: "abank",
		Permissions:    []string{domain.ScopeReadBalances},
		Reason:         "aggregation",
	})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	if result.AutoApproved || result.Consent != nil || result.Request.Status != domain.ConsentRequestPending {
		t.Fatalf("expected pending request, got %+v", result)
	}

	pending, _ := svc.ListPendingRequests(context.Background(), "cli-001")
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}

	if _, err := svc.Decide(context.Background(), DecisionInput{RequestID: result.Request.ID, ClientID: "cli-002", Decision: domain.DecisionApprove}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound for another customer, got %v", err)
	}

	decided, err := svc.Decide(context.Background(), DecisionInput{RequestID: result.Request.ID, ClientID: "cli-001", Decision: "APPROVE"})
	if err != nil {
		t.Fatalf("Decide returned error: %v", err)
	}
	if decided.Consent == nil || decided.Request.Status != domain.ConsentRequestApproved {
		t.Fatalf("expected approved request with consent, got %+v", decided)
	}
	if len(decided.Consent.Permissions) != 1 || decided.Consent.Permissions[0] != domain.ScopeReadBalances {
		t.Fatalf("expected consent to carry exactly the requested scopes, got %v", decided.Consent.Permissions)
	}

	if _, err := svc.Decide(context.Background(), DecisionInput{RequestID: result.Request.ID, ClientID: "cli-001", Decision: domain.DecisionReject}); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected second decision to fail, got %v", err)
	}

	keys := publisher.published()
	if len(keys) != 2 || keys[0] != domain.EventConsentRequested || keys[1] != domain.EventConsentApproved {
		t.Fatalf("unexpected events: %v", keys)
	}
}

func TestRequestAccess_BankPolicyOverridesWildcard(t *testing.T) {
	repo := newTestRepo()
	svc, _, _ := newTestConsentService(repo, true)
	ctx := context.Background()

	if _, err := svc.SetAutoApprovalPolicy(ctx, "*", false, nil); err != nil {
		t.Fatalf("SetAutoApprovalPolicy returned error: %v", err)
	}
	if _, err := svc.SetAutoApprovalPolicy(ctx, "ABank", true, []string{domain.ScopeReadAccountsDetail}); err != nil {
		t.Fatalf("SetAutoApprovalPolicy returned error: %v", err)
	}

	cases := []struct {
		name     string
		bank     string
		scopes   []string
		wantAuto bool
	}{
		{name: "bank row allows scope", bank: "abank", scopes: []string{domain.ScopeReadAccountsDetail}, wantAuto: true},
		{name: "bank row lacks scope", bank: "abank", scopes: []string{domain.ScopeCreatePayments}, wantAuto: false},
		{name: "wildcard row disabled", bank: "sbank", scopes: []string{domain.ScopeReadAccountsDetail}, wantAuto: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: tc.bank, Permissions: tc.scopes})
			if err != nil {
				t.Fatalf("RequestAccess returned error: %v", err)
			}
			if result.AutoApproved != tc.wantAuto {
				t.Fatalf("expected auto-approved=%v, got %v", tc.wantAuto, result.AutoApproved)
			}
		})
	}
}

func TestRequestAccess_Validation(t *testing.T) {
	svc, _, _ := newTestConsentService(newTestRepo(), true)

	cases := []struct {
		name string
		in   AccessRequest
		want error
	}{
		{name: "empty scopes", in: AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{" "}}, want: ErrInvalidScopes},
		{name: "unknown scope", in: AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{"DeleteEverything"}}, want: ErrInvalidScopes},
		{name: "unknown customer", in: AccessRequest{ClientID: "cli-404", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}}, want: ErrCustomerNotFound},
		{name: "missing bank", in: AccessRequest{ClientID: "cli-001", Permissions: []string{domain.ScopeReadBalances}}, want: ErrConsentInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.RequestAccess(context.Background(), tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecide_RejectsUnknownDecision(t *testing.T) {
	svc, _, _ := newTestConsentService(newTestRepo(), false)
	if _, err := svc.Decide(context.Background(), DecisionInput{RequestID: "req-1", ClientID: "cli-001", Decision: "maybe"}); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
}

func TestAuthorize(t *testing.T) {
	repo := newTestRepo()
	svc, _, clock := newTestConsentService(repo, true)
	ctx := context.Background()

	result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	consentID := result.Consent.ID

	consent, err := svc.Authorize(ctx, consentID, "ABANK", []string{domain.ScopeReadBalances})
	if err != nil {
		t.Fatalf("Authorize returned error: %v", err)
	}
	if consent.LastAccessedAt == nil || !consent.LastAccessedAt.Equal(clock.Now()) {
		t.Fatalf("expected last access stamped, got %v", consent.LastAccessedAt)
	}
	stored, _ := repo.FindConsentByID(ctx, consentID)
	if stored.LastAccessedAt == nil {
		t.Fatalf("expected stored consent to record last access")
	}

	if _, err := svc.Authorize(ctx, consentID, "sbank", []string{domain.ScopeReadBalances}); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid for another bank, got %v", err)
	}
	if _, err := svc.Authorize(ctx, consentID, "abank", []string{domain.ScopeCreatePayments}); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid for an ungranted scope, got %v", err)
	}
	if _, err := svc.Authorize(ctx, "consent-missing", "abank", nil); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid for unknown consent, got %v", err)
	}

	clock.Advance(90 * 24 * time.Hour)
	if _, err := svc.Authorize(ctx, consentID, "abank", []string{domain.ScopeReadBalances}); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid at expiry, got %v", err)
	}
	consents, _ := svc.ListConsents(ctx, "cli-001")
	if len(consents) != 1 || consents[0].Status != domain.ConsentExpired {
		t.Fatalf("expected listed consent to report expired, got %+v", consents)
	}
}

func TestRevoke(t *testing.T) {
	repo := newTestRepo()
	svc, publisher, _ := newTestConsentService(repo, true)
	ctx := context.Background()

	result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	consentID := result.Consent.ID

	if _, err := svc.Revoke(ctx, consentID, "cli-002"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another customer, got %v", err)
	}
	revoked, err := svc.Revoke(ctx, consentID, "cli-001")
	if err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if revoked.Status != domain.ConsentRevoked || revoked.RevokedAt == nil {
		t.Fatalf("unexpected revoked consent: %+v", revoked)
	}
	if _, err := svc.Revoke(ctx, consentID, "cli-001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected second revoke to fail, got %v", err)
	}
	if _, err := svc.Authorize(ctx, consentID, "abank", []string{domain.ScopeReadBalances}); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected revoked consent to fail authorization, got %v", err)
	}

	keys := publisher.published()
	if keys[len(keys)-1] != domain.EventConsentRevoked {
		t.Fatalf("expected consent.revoked as last event, got %v", keys)
	}
}

func TestGetConsentForBank_HidesOtherBanksConsents(t *testing.T) {
	svc, _, _ := newTestConsentService(newTestRepo(), true)
	ctx := context.Background()

	result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	if _, err := svc.GetConsentForBank(ctx, result.Consent.ID, "sbank"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another bank, got %v", err)
	}
	if _, err := svc.GetConsentForBank(ctx, result.Consent.ID, "abank"); err != nil {
		t.Fatalf("GetConsentForBank returned error: %v", err)
	}
}

func TestDecide_RecordsDecisionNotifications(t *testing.T) {
	cases := []struct {
		name     string
		decision domain.ConsentDecision
		wantType string
	}{
		{name: "approve", decision: domain.DecisionApprove, wantType: domain.NotificationConsentApproved},
		{name: "reject", decision: domain.DecisionReject, wantType: domain.NotificationConsentRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newTestRepo()
			svc, _, clock := newTestConsentService(repo, false)
			ctx := context.Background()

			result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
			if err != nil {
				t.Fatalf("RequestAccess returned error: %v", err)
			}
			clock.Advance(time.Minute)
			if _, err := svc.Decide(ctx, DecisionInput{RequestID: result.Request.ID, ClientID: "cli-001", Decision: tc.decision}); err != nil {
				t.Fatalf("Decide returned error: %v", err)
			}

			notifications, err := svc.ListNotifications(ctx, "cli-001", 10)
			if err != nil {
				t.Fatalf("ListNotifications returned error: %v", err)
			}
			types := map[string]bool{}
			for _, n := range notifications {
				types[n.Type] = true
			}
			if len(notifications) != 2 || !types[domain.NotificationConsentRequest] || !types[tc.wantType] {
				t.Fatalf("expected consent_request and %s notifications, got %+v", tc.wantType, notifications)
			}
		})
	}
}

func TestRevokeForBank(t *testing.T) {
	repo := newTestRepo()
	svc, publisher, clock := newTestConsentService(repo, true)
	ctx := context.Background()

	result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	consentID := result.Consent.ID

	if _, err := svc.RevokeForBank(ctx, consentID, "sbank"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a bank the consent was not granted to, got %v", err)
	}
	if _, err := svc.RevokeForBank(ctx, "consent-missing", "abank"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown consent, got %v", err)
	}

	clock.Advance(time.Hour)
	revoked, err := svc.RevokeForBank(ctx, consentID, "ABank")
	if err != nil {
		t.Fatalf("RevokeForBank returned error: %v", err)
	}
	if revoked.Status != domain.ConsentRevoked || revoked.RevokedAt == nil {
		t.Fatalf("unexpected revoked consent: %+v", revoked)
	}
	if _, err := svc.RevokeForBank(ctx, consentID, "abank"); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid revoking twice, got %v", err)
	}
	if _, err := svc.Authorize(ctx, consentID, "abank", []string{domain.ScopeReadBalances}); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected revoked consent to fail authorization, got %v", err)
	}

	notifications, _ := svc.ListNotifications(ctx, "cli-001", 10)
	found := false
	for _, n := range notifications {
		if n.Type == domain.NotificationConsentRevoked && n.RelatedID == consentID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected consent_revoked notification, got %+v", notifications)
	}
	keys := publisher.published()
	if keys[len(keys)-1] != domain.EventConsentRevoked {
		t.Fatalf("expected consent.revoked as last event, got %v", keys)
	}
}

func TestRevokeForBank_ExpiredConsent(t *testing.T) {
	svc, _, clock := newTestConsentService(newTestRepo(), true)
	ctx := context.Background()

	result, err := svc.RequestAccess(ctx, AccessRequest{ClientID: "cli-001", RequestingBank: "abank", Permissions: []string{domain.ScopeReadBalances}})
	if err != nil {
		t.Fatalf("RequestAccess returned error: %v", err)
	}
	clock.Advance(91 * 24 * time.Hour)
	if _, err := svc.RevokeForBank(ctx, result.Consent.ID, "abank"); !errors.Is(err, ErrConsentInvalid) {
		t.Fatalf("expected ErrConsentInvalid for expired consent, got %v", err)
	}
}
