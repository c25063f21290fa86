/**
 * @description
 * Client for calling other banks of the federation. Requests carry an RS256 bank token
 * minted by this bank; the remote side verifies it against our published key set.
 *
 * @dependencies
 * - internal/domain: account model shared by every federation member.
 * - internal/token: JWK set wire format.
 */
package bankclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/token"
)

// ErrUnknownBank is returned for bank codes outside the configured federation.
var ErrUnknownBank = errors.New("bank is not a federation member")

// StatusError reports a non-2xx answer from a remote bank.
type StatusError struct {
	Bank       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("bank %s returned status %d", e.Bank, e.StatusCode)
	}
	return fmt.Sprintf("bank %s returned status %d: %s", e.Bank, e.StatusCode, e.Message)
}

// TokenFunc returns the bearer token presented to remote banks.
type TokenFunc func() (string, error)

// Client is a client for federation member banks.
type Client struct {
	banks      map[string]string
	tokens     TokenFunc
	httpClient *http.Client
}

// NewClient creates a new federation client. banks maps bank codes to base URLs.
func NewClient(banks map[string]string, timeout time.Duration, tokens TokenFunc) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	normalized := make(map[string]string, len(banks))
	for code, url := range banks {
		normalized[strings.ToLower(strings.TrimSpace(code))] = strings.TrimRight(strings.TrimSpace(url), "/")
	}
	return &Client{
		banks:      normalized,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Banks returns the federation bank codes, sorted.
func (c *Client) Banks() []string {
	codes := make([]string, 0, len(c.banks))
	for code := range c.banks {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ConsentRequest is the body sent to a remote bank's consent endpoint.
type ConsentRequest struct {
	ClientID           string   `json:"client_id"`
	Permissions        []string `json:"permissions"`
	Reason             string   `json:"reason,omitempty"`
	RequestingBankName string   `json:"requesting_bank_name,omitempty"`
}

// ConsentResponse is a remote bank's answer to a consent request.
type ConsentResponse struct {
	RequestID    string     `json:"request_id"`
	ConsentID    string     `json:"consent_id,omitempty"`
	Status       string     `json:"status"`
	AutoApproved bool       `json:"auto_approved"`
	Permissions  []string   `json:"permissions"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// FetchJWKS downloads the bank's public key set.
func (c *Client) FetchJWKS(ctx context.Context, bank string) (*token.JWKSet, error) {
	var set token.JWKSet
	if err := c.do(ctx, bank, http.MethodGet, "/.well-known/jwks.json", nil, nil, false, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// RequestConsent asks bank for access to one of its customers' data.
func (c *Client) RequestConsent(ctx context.Context, bank string, req ConsentRequest) (*ConsentResponse, error) {
	var out ConsentResponse
	if err := c.do(ctx, bank, http.MethodPost, "/account-consents/request", req, nil, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAccounts returns the accounts a consent at bank covers.
func (c *Client) ListAccounts(ctx context.Context, bank, consentID string) ([]domain.Account, error) {
	var out struct {
		Data struct {
			Accounts []domain.Account `json:"accounts"`
		} `json:"data"`
	}
	headers := map[string]string{"x-consent-id": consentID}
	if err := c.do(ctx, bank, http.MethodGet, "/accounts", nil, headers, true, &out); err != nil {
		return nil, err
	}
	return out.Data.Accounts, nil
}

// GetBalance returns one account at bank under a consent with ReadBalances.
func (c *Client) GetBalance(ctx context.Context, bank, consentID, accountNumber string) (*domain.Account, error) {
	var out struct {
		Data struct {
			Account domain.Account `json:"account"`
		} `json:"data"`
	}
	headers := map[string]string{"x-consent-id": consentID}
	path := "/accounts/" + accountNumber + "/balances"
	if err := c.do(ctx, bank, http.MethodGet, path, nil, headers, true, &out); err != nil {
		return nil, err
	}
	return &out.Data.Account, nil
}

func (c *Client) do(ctx context.Context, bank, method, path string, payload interface{}, headers map[string]string, authenticated bool, out interface{}) error {
	bank = strings.ToLower(strings.TrimSpace(bank))
	baseURL, ok := c.banks[bank]
	if !ok || baseURL == "" {
		return ErrUnknownBank
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if authenticated {
		if c.tokens == nil {
			return fmt.Errorf("no token source configured for bank %s", bank)
		}
		bearer, err := c.tokens()
		if err != nil {
			return fmt.Errorf("failed to mint bank token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request to bank %s: %w", bank, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return &StatusError{Bank: bank, StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from bank %s: %w", bank, err)
	}
	return nil
}
