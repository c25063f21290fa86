package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/token"
	"golang.org/x/crypto/bcrypt"
)

type issuerStub struct {
	requests []token.IssueRequest
}

func (s *issuerStub) Issue(req token.IssueRequest) (*token.IssuedToken, error) {
	s.requests = append(s.requests, req)
	return &token.IssuedToken{Token: "signed-" + req.Subject, ExpiresAt: time.Now().Add(req.TTL)}, nil
}

type limiterStub struct {
	counts map[string]int
	resets []string
	err    error
}

func (s *limiterStub) Consume(ctx context.Context, scope AuthScope, subject string, window time.Duration) (Attempt, error) {
	if s.err != nil {
		return Attempt{}, s.err
	}
	if s.counts == nil {
		s.counts = map[string]int{}
	}
	key := string(scope) + ":" + subject
	s.counts[key]++
	return Attempt{Count: s.counts[key], ResetIn: 41500 * time.Millisecond}, nil
}

func (s *limiterStub) Reset(ctx context.Context, scope AuthScope, subject string) error {
	key := string(scope) + ":" + subject
	s.resets = append(s.resets, key)
	delete(s.counts, key)
	return s.err
}

func mustHash(t *testing.T, secret string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash secret: %v", err)
	}
	return string(hash)
}

func newTestAuthService(t *testing.T) (*AuthService, *issuerStub) {
	t.Helper()
	repo := newTestRepo()
	repo.AddClient(domain.Client{ID: "cli-100", FullName: "Carol", PasswordHash: mustHash(t, "password")})

	issuer := &issuerStub{}
	svc := NewAuthService(repo, issuer, AuthConfig{
		TeamCredentials:    map[string]string{"team042": mustHash(t, "team-secret")},
		BankerUsername:     "banker",
		BankerPasswordHash: mustHash(t, "banker-pass"),
		AccessTTL:          time.Hour,
		BankTokenTTL:       30 * time.Minute,
		AttemptsPerMinute:  3,
	})
	return svc, issuer
}

func TestLoginCustomer(t *testing.T) {
	svc, issuer := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.LoginCustomer(ctx, "cli-100", "password"); err != nil {
		t.Fatalf("LoginCustomer returned error: %v", err)
	}
	if got := issuer.requests[0]; got.Kind != domain.PrincipalCustomer || got.Subject != "cli-100" || got.TTL != time.Hour {
		t.Fatalf("unexpected issue request: %+v", got)
	}

	cases := []struct {
		name     string
		clientID string
		password string
	}{
		{name: "wrong password", clientID: "cli-100", password: "nope"},
		{name: "unknown client", clientID: "cli-404", password: "password"},
		{name: "client without password", clientID: "cli-001", password: ""},
		{name: "blank client", clientID: " ", password: "password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.LoginCustomer(ctx, tc.clientID, tc.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Fatalf("expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestIssueBankToken(t *testing.T) {
	svc, issuer := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.IssueBankToken(ctx, BankTokenRequest{ClientID: "Team042", ClientSecret: "team-secret"}); err != nil {
		t.Fatalf("IssueBankToken returned error: %v", err)
	}
	got := issuer.requests[0]
	if got.Kind != domain.PrincipalTeam || got.Subject != "team042" || got.Audience != token.InterbankAudience || got.TTL != 30*time.Minute {
		t.Fatalf("unexpected issue request: %+v", got)
	}

	if _, err := svc.IssueBankToken(ctx, BankTokenRequest{ClientID: "team042", ClientSecret: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.IssueBankToken(ctx, BankTokenRequest{ClientID: "team042", ClientSecret: "team-secret", Kind: domain.PrincipalCustomer}); !errors.Is(err, token.ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}

func TestLoginBanker(t *testing.T) {
	svc, issuer := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.LoginBanker(ctx, "banker", "banker-pass"); err != nil {
		t.Fatalf("LoginBanker returned error: %v", err)
	}
	if issuer.requests[0].Kind != domain.PrincipalBanker {
		t.Fatalf("expected banker token, got %+v", issuer.requests[0])
	}
	if _, err := svc.LoginBanker(ctx, "admin", "banker-pass"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong username, got %v", err)
	}
	if _, err := svc.LoginBanker(ctx, "banker", "guess"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", err)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	svc, _ := newTestAuthService(t)
	svc.SetRateLimiter(&limiterStub{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.LoginCustomer(ctx, "cli-100", "nope"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := svc.LoginCustomer(ctx, "cli-100", "password")
	var limited *RateLimitedError
	if !errors.As(err, &limited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if limited.RetryAfterSeconds != 42 {
		t.Fatalf("expected retry after 42 seconds, got %d", limited.RetryAfterSeconds)
	}
}

func TestLogin_LimiterFailureFailsOpen(t *testing.T) {
	svc, _ := newTestAuthService(t)
	svc.SetRateLimiter(&limiterStub{err: errors.New("redis down")})

	if _, err := svc.LoginCustomer(context.Background(), "cli-100", "password"); err != nil {
		t.Fatalf("expected login to succeed when limiter errors, got %v", err)
	}
}

func TestLogin_SuccessResetsAttemptWindow(t *testing.T) {
	svc, _ := newTestAuthService(t)
	limiter := &limiterStub{}
	svc.SetRateLimiter(limiter)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.IssueBankToken(ctx, BankTokenRequest{ClientID: "team042", ClientSecret: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}
	if _, err := svc.IssueBankToken(ctx, BankTokenRequest{ClientID: "team042", ClientSecret: "team-secret"}); err != nil {
		t.Fatalf("IssueBankToken returned error: %v", err)
	}
	if len(limiter.resets) != 1 || limiter.resets[0] != "bank-token:team042" {
		t.Fatalf("expected the bank-token window to be reset, got %v", limiter.resets)
	}

	// The customer window is keyed separately and was never touched.
	if limiter.counts["login:cli-100"] != 0 {
		t.Fatalf("unexpected customer attempts: %v", limiter.counts)
	}
}

func TestAttemptRetryAfterSeconds(t *testing.T) {
	cases := map[time.Duration]int{
		0:                        1,
		300 * time.Millisecond:   1,
		time.Second:              1,
		41500 * time.Millisecond: 42,
		time.Minute:              60,
	}
	for resetIn, want := range cases {
		if got := (Attempt{ResetIn: resetIn}).RetryAfterSeconds(); got != want {
			t.Fatalf("ResetIn=%s: expected %d, got %d", resetIn, want, got)
		}
	}
}
