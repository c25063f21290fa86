package api

import (
	"net/http"
	"strings"

	"github.com/federation/bank-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

func consentIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("x-consent-id")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("consent_id"))
}

// ListAccountsHandler lists the caller's accounts, or for a bank the accounts of the
// customer behind the presented consent.
func (h *Handlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	var (
		accounts []domain.Account
		err      error
	)
	if principal.Kind.Federated() {
		accounts, _, err = h.accounts.ListForBank(r.Context(), principal.BankCode(), consentIDFromRequest(r))
	} else {
		accounts, err = h.accounts.ListForCustomer(r.Context(), principal.Subject)
	}
	if err != nil {
		writeServiceError(w, "list_accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"accounts": accounts},
	})
}

// GetBalanceHandler returns a single account with its balance.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())
	accountNumber := chi.URLParam(r, "accountNumber")

	var (
		account *domain.Account
		err     error
	)
	if principal.Kind.Federated() {
		account, err = h.accounts.BalanceForBank(r.Context(), principal.BankCode(), consentIDFromRequest(r), accountNumber)
	} else {
		account, err = h.accounts.BalanceForCustomer(r.Context(), principal.Subject, accountNumber)
	}
	if err != nil {
		writeServiceError(w, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"account": account},
	})
}
