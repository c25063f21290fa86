/**
 * @description
 * Token issuance and verification for the four principal kinds.
 *
 * Customer and banker tokens are HS256 assertions signed with the bank secret and are
 * only ever verified by this bank. Bank and team tokens are RS256 assertions signed with
 * the bank key pair and carry a kid, so any federation member can verify them against the
 * key set this bank publishes.
 *
 * Verification parses the token header into a Local or Federated assertion and runs the
 * dedicated path for that variant. The algorithm is pinned per path, so an issuer claim
 * can only ever choose which RSA key is tried.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: signing and parsing.
 */

package token

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken          = errors.New("invalid token")
	ErrSigningKeyUnavailable = errors.New("asymmetric signing key unavailable")
	ErrUnsupportedKind       = errors.New("unsupported principal kind")
	ErrMissingSubject        = errors.New("token subject is required")
)

const (
	DefaultTTL        = 24 * time.Hour
	InterbankAudience = "interbank"
)

// Claims is the payload of every assertion this bank issues.
type Claims struct {
	Kind domain.PrincipalKind `json:"type"`
	jwt.RegisteredClaims
}

// Config wires a Service. KeyPair may be nil, in which case bank and team tokens cannot be issued.
type Config struct {
	BankCode   string
	Secret     string
	KeyPair    *KeyPair
	Keys       KeyStore
	DefaultTTL time.Duration
	Now        func() time.Time
}

// Service issues and verifies assertions.
type Service struct {
	bankCode   string
	secret     []byte
	keyPair    *KeyPair
	keys       KeyStore
	defaultTTL time.Duration
	now        func() time.Time
}

// NewService validates the configuration and builds a Service.
func NewService(cfg Config) (*Service, error) {
	if strings.TrimSpace(cfg.BankCode) == "" {
		return nil, errors.New("bank code is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("token secret is required")
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	keys := cfg.Keys
	if keys == nil {
		keys = NewStaticKeyStore()
	}
	return &Service{
		bankCode:   cfg.BankCode,
		secret:     []byte(cfg.Secret),
		keyPair:    cfg.KeyPair,
		keys:       keys,
		defaultTTL: ttl,
		now:        now,
	}, nil
}

// IssueRequest describes the assertion to mint.
type IssueRequest struct {
	Kind     domain.PrincipalKind
	Subject  string
	Audience string
	TTL      time.Duration
}

// IssuedToken is the bearer string plus its metadata.
type IssuedToken struct {
	Token     string             `json:"access_token"`
	Scheme    domain.TokenScheme `json:"scheme"`
	KeyID     string             `json:"kid,omitempty"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// BankCode returns the code this service signs as.
func (s *Service) BankCode() string {
	return s.bankCode
}

// Issue signs an assertion for the requested principal. Bank and team assertions are
// always RS256; without a key pair they fail with ErrSigningKeyUnavailable.
func (s *Service) Issue(req IssueRequest) (*IssuedToken, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return nil, ErrMissingSubject
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := s.now()
	claims := Claims{
		Kind: req.Kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	switch req.Kind {
	case domain.PrincipalBank, domain.PrincipalTeam:
		if s.keyPair == nil || s.keyPair.Private == nil {
			return nil, ErrSigningKeyUnavailable
		}
		audience := strings.TrimSpace(req.Audience)
		if audience == "" {
			audience = InterbankAudience
		}
		claims.Issuer = s.bankCode
		claims.Audience = jwt.ClaimStrings{audience}

		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = s.keyPair.KID
		signed, err := tok.SignedString(s.keyPair.Private)
		if err != nil {
			return nil, fmt.Errorf("failed to sign bank token: %w", err)
		}
		return &IssuedToken{
			Token:     signed,
			Scheme:    domain.SchemeAsymmetric,
			KeyID:     s.keyPair.KID,
			ExpiresAt: claims.ExpiresAt.Time,
		}, nil

	case domain.PrincipalCustomer, domain.PrincipalBanker:
		if audience := strings.TrimSpace(req.Audience); audience != "" {
			claims.Audience = jwt.ClaimStrings{audience}
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signed, err := tok.SignedString(s.secret)
		if err != nil {
			return nil, fmt.Errorf("failed to sign local token: %w", err)
		}
		return &IssuedToken{
			Token:     signed,
			Scheme:    domain.SchemeSymmetric,
			ExpiresAt: claims.ExpiresAt.Time,
		}, nil
	}

	return nil, ErrUnsupportedKind
}

// PublicKeySet is the key set served to other banks. It is empty without a key pair.
func (s *Service) PublicKeySet() JWKSet {
	set := JWKSet{Keys: []JWK{}}
	if s.keyPair != nil && s.keyPair.Private != nil {
		set.Keys = append(set.Keys, NewJWK(s.keyPair.KID, s.keyPair.Public()))
	}
	return set
}

type assertion interface {
	scheme() domain.TokenScheme
}

type localAssertion struct {
	raw string
}

type federatedAssertion struct {
	raw    string
	issuer string
	kid    string
}

func (localAssertion) scheme() domain.TokenScheme     { return domain.SchemeSymmetric }
func (federatedAssertion) scheme() domain.TokenScheme { return domain.SchemeAsymmetric }

// classify reads the header written at issuance: HS256 without kid is Local, RS256 is Federated.
func classify(raw string) (assertion, error) {
	claims := &Claims{}
	tok, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		return nil, err
	}
	alg, _ := tok.Header["alg"].(string)
	kid, _ := tok.Header["kid"].(string)

	switch alg {
	case jwt.SigningMethodHS256.Alg():
		if kid != "" {
			return nil, errors.New("symmetric token must not carry a key id")
		}
		return localAssertion{raw: raw}, nil
	case jwt.SigningMethodRS256.Alg():
		issuer := strings.TrimSpace(claims.Issuer)
		if issuer == "" {
			return nil, errors.New("federated token without issuer")
		}
		return federatedAssertion{raw: raw, issuer: issuer, kid: kid}, nil
	}
	return nil, fmt.Errorf("unsupported token algorithm %q", alg)
}

// Verify returns the principal behind raw, or ErrInvalidToken for any failure.
func (s *Service) Verify(ctx context.Context, raw string) (*domain.Principal, error) {
	a, err := classify(strings.TrimSpace(raw))
	if err != nil {
		return nil, ErrInvalidToken
	}

	switch v := a.(type) {
	case localAssertion:
		return s.verifyLocal(v)
	case federatedAssertion:
		return s.verifyFederated(ctx, v)
	}
	return nil, ErrInvalidToken
}

func (s *Service) verifyLocal(a localAssertion) (*domain.Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(a.raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}

	// Local tokens never vouch for another bank.
	if claims.Kind != domain.PrincipalCustomer && claims.Kind != domain.PrincipalBanker {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != "" && claims.Issuer != s.bankCode {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return principalFromClaims(claims), nil
}

func (s *Service) verifyFederated(ctx context.Context, a federatedAssertion) (*domain.Principal, error) {
	keys, err := s.keys.KeySet(ctx, a.issuer)
	if err != nil {
		log.Printf("level=warn component=token msg=\"verification key unavailable\" issuer=%s err=%v", a.issuer, err)
		return nil, ErrInvalidToken
	}
	key, err := SelectKey(keys, a.kid)
	if err != nil {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	tok, err := parser.ParseWithClaims(a.raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil || !tok.Valid {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			if inv, ok := s.keys.(Invalidator); ok {
				inv.Invalidate(a.issuer)
			}
		}
		return nil, ErrInvalidToken
	}

	if !claims.Kind.Federated() {
		return nil, ErrInvalidToken
	}
	if !s.acceptsAudience(claims.Audience) || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return principalFromClaims(claims), nil
}

func (s *Service) acceptsAudience(audience jwt.ClaimStrings) bool {
	for _, aud := range audience {
		if aud == InterbankAudience || aud == s.bankCode {
			return true
		}
	}
	return false
}

func principalFromClaims(claims *Claims) *domain.Principal {
	p := &domain.Principal{
		Kind:     claims.Kind,
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: []string(claims.Audience),
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p
}
