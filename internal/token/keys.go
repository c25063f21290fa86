package token

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	privateKeySuffix = "_private.pem"
	publicKeySuffix  = "_public.pem"
)

// KeyPair is this bank's signing key together with its published key id.
type KeyPair struct {
	KID     string
	Private *rsa.PrivateKey
}

// Public returns the verification half of the pair.
func (k *KeyPair) Public() *rsa.PublicKey {
	return &k.Private.PublicKey
}

// KeyID builds the key identifier published for a bank key, e.g. "vbank-2025".
func KeyID(bankCode, version string) string {
	return bankCode + "-" + version
}

// LoadKeyPair reads "<dir>/<bankCode>_private.pem". A missing file returns ErrKeyNotFound.
func LoadKeyPair(dir, bankCode, version string) (*KeyPair, error) {
	path := filepath.Join(dir, bankCode+privateKeySuffix)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, path)
		}
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	private, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}
	return &KeyPair{KID: KeyID(bankCode, version), Private: private}, nil
}

// LoadStaticKeyStore builds a StaticKeyStore from every "<issuer>_public.pem" in dir.
// A missing directory yields an empty store.
func LoadStaticKeyStore(dir string) (*StaticKeyStore, error) {
	store := NewStaticKeyStore()
	if strings.TrimSpace(dir) == "" {
		return store, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*"+publicKeySuffix))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		pub, err := jwt.ParseRSAPublicKeyFromPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key %s: %w", path, err)
		}
		issuer := strings.TrimSuffix(filepath.Base(path), publicKeySuffix)
		store.Add(issuer, "", pub)
	}
	return store, nil
}

// WriteKeyPair stores the private and public PEM files for bankCode in dir.
func WriteKeyPair(dir, bankCode string, key *rsa.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(filepath.Join(dir, bankCode+privateKeySuffix), privatePEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(filepath.Join(dir, bankCode+publicKeySuffix), publicPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
