package token

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// JWK is a single RSA verification key in JSON Web Key form.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSet is the document served at /.well-known/jwks.json.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// NewJWK encodes an RSA public key for publication.
func NewJWK(kid string, pub *rsa.PublicKey) JWK {
	return JWK{
		Kid: kid,
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// VerificationKeys converts the usable RSA signing keys of the set. Keys with another
// type or usage are skipped.
func (s JWKSet) VerificationKeys() []VerificationKey {
	keys := make([]VerificationKey, 0, len(s.Keys))
	for _, key := range s.Keys {
		if key.Kty != "RSA" || key.N == "" || key.E == "" {
			continue
		}
		if use := strings.TrimSpace(key.Use); use != "" && use != "sig" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			continue
		}
		keys = append(keys, VerificationKey{KID: key.Kid, Key: pub})
	}
	return keys
}

func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	if exp == 0 {
		return nil, errors.New("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp),
	}, nil
}
