/**
 * @description
 * This file contains the shared plumbing of the HTTP handlers: the handler set, JSON
 * helpers and the mapping of service errors to HTTP statuses. Endpoint handlers live
 * in the handlers_*.go files next to it.
 *
 * @dependencies
 * - internal/app: consent, settlement, account and auth services.
 * - internal/store, internal/token, pkg/bankclient: error values mapped to statuses.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/federation/bank-service/internal/app"
	"github.com/federation/bank-service/internal/store"
	"github.com/federation/bank-service/internal/token"
	"github.com/federation/bank-service/pkg/bankclient"
)

const maxBodyBytes = 1 << 20

// KeySetProvider publishes this bank's verification keys.
type KeySetProvider interface {
	PublicKeySet() token.JWKSet
}

// Dependencies bundles what the handlers call into.
type Dependencies struct {
	BankCode   string
	BankName   string
	Auth       *app.AuthService
	Consents   *app.ConsentService
	Accounts   *app.AccountService
	Settlement *app.SettlementEngine
	Reconciler *app.CapitalReconciler
	Keys       KeySetProvider
	Federation *bankclient.Client
}

// Handlers holds the application services that handlers will use.
type Handlers struct {
	bankCode   string
	bankName   string
	auth       *app.AuthService
	consents   *app.ConsentService
	accounts   *app.AccountService
	settlement *app.SettlementEngine
	reconciler *app.CapitalReconciler
	keys       KeySetProvider
	federation *bankclient.Client
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		bankCode:   deps.BankCode,
		bankName:   deps.BankName,
		auth:       deps.Auth,
		consents:   deps.Consents,
		accounts:   deps.Accounts,
		settlement: deps.Settlement,
		reconciler: deps.Reconciler,
		keys:       deps.Keys,
		federation: deps.Federation,
	}
}

// HealthHandler reports liveness and the bank identity.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"bank_code": h.bankCode,
		"bank_name": h.bankName,
	})
}

// JWKSHandler publishes the bank's RS256 verification keys.
func (h *Handlers) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, h.keys.PublicKeySet())
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return decoder.Decode(dst)
}

func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get("limit")))
	if err != nil || limit <= 0 {
		return 0
	}
	return limit
}

// writeServiceError maps a service error to a status and a non-sensitive message.
// Unknown errors are logged and rendered as 500.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	var limited *app.RateLimitedError
	if errors.As(err, &limited) {
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, limited.Error())
		return
	}
	var remote *bankclient.StatusError
	if errors.As(err, &remote) {
		log.Printf("level=warn component=api endpoint=%s outcome=remote_error bank=%s status=%d", endpoint, remote.Bank, remote.StatusCode)
		writeError(w, http.StatusBadGateway, remote.Error())
		return
	}

	status, message := http.StatusInternalServerError, "Internal server error"
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		status, message = http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, app.ErrConsentInvalid), errors.Is(err, app.ErrAccountNotOwned):
		status, message = http.StatusForbidden, err.Error()
	case errors.Is(err, app.ErrCustomerNotFound),
		errors.Is(err, app.ErrRequestNotFound),
		errors.Is(err, app.ErrNotFound),
		errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, bankclient.ErrUnknownBank):
		status, message = http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrInvalidScopes),
		errors.Is(err, app.ErrInvalidDecision),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidAccount),
		errors.Is(err, app.ErrSameAccount),
		errors.Is(err, app.ErrInvalidTransfer),
		errors.Is(err, token.ErrUnsupportedKind),
		errors.Is(err, token.ErrMissingSubject):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrInsufficientFunds):
		status, message = http.StatusPaymentRequired, err.Error()
	case errors.Is(err, store.ErrAccountNotActive), errors.Is(err, store.ErrCurrencyMismatch):
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, store.ErrIdempotencyConflict):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, token.ErrSigningKeyUnavailable):
		status, message = http.StatusServiceUnavailable, "Bank signing key is not available"
	case errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusGatewayTimeout, "Request timed out"
	}

	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
	}
	writeError(w, status, message)
}
