package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	ErrKeyNotFound        = errors.New("no verification key for issuer")
	ErrKeyDiscoveryFailed = errors.New("key discovery failed")
)

// VerificationKey is one RSA public key of an issuer. KID is empty for keys
// provisioned from PEM files.
type VerificationKey struct {
	KID string
	Key *rsa.PublicKey
}

// KeyStore resolves an issuer (bank code) to its verification keys.
type KeyStore interface {
	KeySet(ctx context.Context, issuer string) ([]VerificationKey, error)
}

// Invalidator is implemented by key stores that cache fetched key sets.
type Invalidator interface {
	Invalidate(issuer string)
}

// SelectKey picks the key matching kid, or the first key when nothing matches.
func SelectKey(keys []VerificationKey, kid string) (*rsa.PublicKey, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	if kid != "" {
		for _, key := range keys {
			if key.KID == kid {
				return key.Key, nil
			}
		}
	}
	return keys[0].Key, nil
}

// StaticKeyStore holds pre-provisioned trust: this bank's own public key and any
// PEM files shipped with the deployment.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string][]VerificationKey
}

func NewStaticKeyStore() *StaticKeyStore {
	return &StaticKeyStore{keys: map[string][]VerificationKey{}}
}

// Add registers a key for issuer. Keys with a kid are placed before anonymous ones.
func (s *StaticKeyStore) Add(issuer, kid string, key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := VerificationKey{KID: kid, Key: key}
	if kid != "" {
		s.keys[issuer] = append([]VerificationKey{entry}, s.keys[issuer]...)
		return
	}
	s.keys[issuer] = append(s.keys[issuer], entry)
}

func (s *StaticKeyStore) KeySet(ctx context.Context, issuer string) ([]VerificationKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.keys[issuer]
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	return append([]VerificationKey(nil), keys...), nil
}

// FetchingKeyStore downloads an issuer's published key set from the federation topology.
type FetchingKeyStore struct {
	federation map[string]string
	httpClient *http.Client
}

// NewFetchingKeyStore builds a store over a bank-code to base-URL map.
func NewFetchingKeyStore(federation map[string]string, timeout time.Duration) *FetchingKeyStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	topology := make(map[string]string, len(federation))
	for code, baseURL := range federation {
		topology[code] = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	return &FetchingKeyStore{
		federation: topology,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (f *FetchingKeyStore) KeySet(ctx context.Context, issuer string) ([]VerificationKey, error) {
	baseURL, ok := f.federation[issuer]
	if !ok || baseURL == "" {
		return nil, fmt.Errorf("%w: unknown issuer %s", ErrKeyNotFound, issuer)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/.well-known/jwks.json", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDiscoveryFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDiscoveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: jwks endpoint returned %d", ErrKeyDiscoveryFailed, resp.StatusCode)
	}

	var set JWKSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDiscoveryFailed, err)
	}

	keys := set.VerificationKeys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no usable RSA keys in JWKS", ErrKeyDiscoveryFailed)
	}
	return keys, nil
}

// CachingKeyStore consults static trust first, then its cache, then the delegate.
// Fetched sets stay cached until Invalidate is called for the issuer.
type CachingKeyStore struct {
	static   KeyStore
	delegate KeyStore

	mu    sync.RWMutex
	cache map[string][]VerificationKey
}

func NewCachingKeyStore(static KeyStore, delegate KeyStore) *CachingKeyStore {
	return &CachingKeyStore{
		static:   static,
		delegate: delegate,
		cache:    map[string][]VerificationKey{},
	}
}

func (c *CachingKeyStore) KeySet(ctx context.Context, issuer string) ([]VerificationKey, error) {
	if c.static != nil {
		keys, err := c.static.KeySet(ctx, issuer)
		if err == nil {
			return keys, nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return nil, err
		}
	}

	if keys := c.cached(issuer); keys != nil {
		return keys, nil
	}

	if c.delegate == nil {
		return nil, ErrKeyNotFound
	}
	keys, err := c.delegate.KeySet(ctx, issuer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[issuer] = keys
	c.mu.Unlock()

	return keys, nil
}

func (c *CachingKeyStore) cached(issuer string) []VerificationKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[issuer]
}

// Invalidate drops the cached set so the next lookup re-fetches it.
func (c *CachingKeyStore) Invalidate(issuer string) {
	c.mu.Lock()
	delete(c.cache, issuer)
	c.mu.Unlock()
}
