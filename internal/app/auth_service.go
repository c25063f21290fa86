/**
 * @description
 * AuthService exchanges credentials for bearer tokens: customers with a password
 * stored on the client record, teams and partner banks with a client secret from the
 * configured credential list, and bankers with the back-office account from config.
 * All three flows share a per-subject attempt budget enforced by a RateLimiter.
 *
 * @dependencies
 * - golang.org/x/crypto/bcrypt: password and secret hash comparison.
 * - internal/token: assertion issuance.
 */

package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/store"
	"github.com/federation/bank-service/internal/token"
	"golang.org/x/crypto/bcrypt"
)

// AuthScope names the login flow an attempt belongs to.
type AuthScope string

const (
	AuthScopeCustomerLogin AuthScope = "login"
	AuthScopeBankToken     AuthScope = "bank-token"
	AuthScopeBankerLogin   AuthScope = "banker-login"
)

// Attempt is the state of a subject's attempt window after one more attempt.
type Attempt struct {
	Count   int
	ResetIn time.Duration
}

// RetryAfterSeconds rounds the remaining window up to whole seconds, at least one.
func (a Attempt) RetryAfterSeconds() int {
	seconds := int(math.Ceil(a.ResetIn.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RateLimiter counts login attempts per scope and subject in a fixed window.
type RateLimiter interface {
	Consume(ctx context.Context, scope AuthScope, subject string, window time.Duration) (Attempt, error)
	Reset(ctx context.Context, scope AuthScope, subject string) error
}

// TokenIssuer is the part of token.Service the login flows need.
type TokenIssuer interface {
	Issue(req token.IssueRequest) (*token.IssuedToken, error)
}

// AuthConfig configures an AuthService.
type AuthConfig struct {
	TeamCredentials    map[string]string
	BankerUsername     string
	BankerPasswordHash string
	AccessTTL          time.Duration
	BankTokenTTL       time.Duration
	AttemptsPerMinute  int
}

// AuthService implements the login flows.
type AuthService struct {
	repo    store.Repository
	issuer  TokenIssuer
	limiter RateLimiter
	cfg     AuthConfig
}

// NewAuthService creates a new auth service instance.
func NewAuthService(repo store.Repository, issuer TokenIssuer, cfg AuthConfig) *AuthService {
	return &AuthService{repo: repo, issuer: issuer, cfg: cfg}
}

// SetRateLimiter enables attempt limiting. Without one, attempts are unlimited.
func (s *AuthService) SetRateLimiter(limiter RateLimiter) {
	s.limiter = limiter
}

func (s *AuthService) checkRateLimit(ctx context.Context, scope AuthScope, subject string) error {
	if s.limiter == nil || s.cfg.AttemptsPerMinute <= 0 {
		return nil
	}
	attempt, err := s.limiter.Consume(ctx, scope, subject, time.Minute)
	if err != nil {
		log.Printf("level=warn component=auth msg=\"rate limiter unavailable; allowing attempt\" scope=%s err=%v", scope, err)
		return nil
	}
	if attempt.Count > s.cfg.AttemptsPerMinute {
		log.Printf("level=warn component=auth msg=\"login attempts exceeded\" scope=%s subject=%s attempts=%d", scope, subject, attempt.Count)
		return &RateLimitedError{RetryAfterSeconds: attempt.RetryAfterSeconds()}
	}
	return nil
}

// clearRateLimit forgets earlier failures once the subject has proven its credentials.
func (s *AuthService) clearRateLimit(ctx context.Context, scope AuthScope, subject string) {
	if s.limiter == nil || s.cfg.AttemptsPerMinute <= 0 {
		return
	}
	if err := s.limiter.Reset(ctx, scope, subject); err != nil {
		log.Printf("level=warn component=auth msg=\"rate limit reset failed\" scope=%s err=%v", scope, err)
	}
}

func matchesHash(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// LoginCustomer checks a customer's password and issues a customer token.
func (s *AuthService) LoginCustomer(ctx context.Context, clientID, password string) (*token.IssuedToken, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, ErrInvalidCredentials
	}
	if err := s.checkRateLimit(ctx, AuthScopeCustomerLogin, clientID); err != nil {
		return nil, err
	}

	client, err := s.repo.FindClientByID(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	if !matchesHash(client.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	s.clearRateLimit(ctx, AuthScopeCustomerLogin, clientID)

	return s.issuer.Issue(token.IssueRequest{Kind: domain.PrincipalCustomer, Subject: client.ID, TTL: s.cfg.AccessTTL})
}

// BankTokenRequest is a client-credentials exchange for a bank or team token.
type BankTokenRequest struct {
	ClientID     string
	ClientSecret string
	Kind         domain.PrincipalKind
	Audience     string
}

// IssueBankToken checks a team or partner bank secret and issues an RS256 token whose
// subject is the caller's code.
func (s *AuthService) IssueBankToken(ctx context.Context, req BankTokenRequest) (*token.IssuedToken, error) {
	clientID := strings.ToLower(strings.TrimSpace(req.ClientID))
	if clientID == "" {
		return nil, ErrInvalidCredentials
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.PrincipalTeam
	}
	if !kind.Federated() {
		return nil, token.ErrUnsupportedKind
	}
	if err := s.checkRateLimit(ctx, AuthScopeBankToken, clientID); err != nil {
		return nil, err
	}

	if !matchesHash(s.cfg.TeamCredentials[clientID], req.ClientSecret) {
		return nil, ErrInvalidCredentials
	}
	s.clearRateLimit(ctx, AuthScopeBankToken, clientID)

	audience := strings.TrimSpace(req.Audience)
	if audience == "" {
		audience = token.InterbankAudience
	}
	return s.issuer.Issue(token.IssueRequest{Kind: kind, Subject: clientID, Audience: audience, TTL: s.cfg.BankTokenTTL})
}

// LoginBanker checks the back-office credentials and issues a banker token.
func (s *AuthService) LoginBanker(ctx context.Context, username, password string) (*token.IssuedToken, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrInvalidCredentials
	}
	if err := s.checkRateLimit(ctx, AuthScopeBankerLogin, username); err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.BankerUsername)) != 1 {
		return nil, ErrInvalidCredentials
	}
	if !matchesHash(s.cfg.BankerPasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	s.clearRateLimit(ctx, AuthScopeBankerLogin, username)

	return s.issuer.Issue(token.IssueRequest{Kind: domain.PrincipalBanker, Subject: username, TTL: s.cfg.AccessTTL})
}
