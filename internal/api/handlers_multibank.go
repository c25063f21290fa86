package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/federation/bank-service/pkg/bankclient"
	"github.com/go-chi/chi/v5"
)

const federationCallTimeout = 5 * time.Second

type federationBankView struct {
	BankCode  string `json:"bank_code"`
	Reachable bool   `json:"reachable"`
	Keys      int    `json:"keys"`
	Error     string `json:"error,omitempty"`
}

func (h *Handlers) requireFederation(w http.ResponseWriter) bool {
	if h.federation == nil {
		writeError(w, http.StatusServiceUnavailable, "Federation client is not configured")
		return false
	}
	return true
}

// ListFederationBanksHandler lists federation members and whether their key sets load.
func (h *Handlers) ListFederationBanksHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireFederation(w) {
		return
	}

	banks := []federationBankView{}
	for _, code := range h.federation.Banks() {
		view := federationBankView{BankCode: code}
		ctx, cancel := context.WithTimeout(r.Context(), federationCallTimeout)
		set, err := h.federation.FetchJWKS(ctx, code)
		cancel()
		if err != nil {
			view.Error = err.Error()
		} else {
			view.Reachable = true
			view.Keys = len(set.Keys)
		}
		banks = append(banks, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": banks})
}

type remoteConsentBody struct {
	BankCode    string   `json:"bank_code"`
	ClientID    string   `json:"client_id"`
	Permissions []string `json:"permissions"`
	Reason      string   `json:"reason"`
}

// RequestRemoteConsentHandler asks another bank for access to a customer's data there.
func (h *Handlers) RequestRemoteConsentHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireFederation(w) {
		return
	}

	var body remoteConsentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.ClientID) == "" || len(body.Permissions) == 0 {
		writeError(w, http.StatusBadRequest, "client_id and permissions are required")
		return
	}

	resp, err := h.federation.RequestConsent(r.Context(), body.BankCode, bankclient.ConsentRequest{
		ClientID:           body.ClientID,
		Permissions:        body.Permissions,
		Reason:             body.Reason,
		RequestingBankName: h.bankName,
	})
	if err != nil {
		writeServiceError(w, "remote_consent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": resp})
}

// ListRemoteAccountsHandler lists accounts at another bank under a consent it granted us.
func (h *Handlers) ListRemoteAccountsHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireFederation(w) {
		return
	}

	bank := strings.TrimSpace(r.URL.Query().Get("bank_code"))
	consentID := consentIDFromRequest(r)
	if bank == "" || consentID == "" {
		writeError(w, http.StatusBadRequest, "bank_code and consent_id are required")
		return
	}

	accounts, err := h.federation.ListAccounts(r.Context(), bank, consentID)
	if err != nil {
		writeServiceError(w, "remote_accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"bank_code": strings.ToLower(bank), "accounts": accounts},
	})
}

// GetRemoteBalanceHandler reads one account balance at another bank.
func (h *Handlers) GetRemoteBalanceHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireFederation(w) {
		return
	}

	bank := strings.TrimSpace(r.URL.Query().Get("bank_code"))
	consentID := consentIDFromRequest(r)
	if bank == "" || consentID == "" {
		writeError(w, http.StatusBadRequest, "bank_code and consent_id are required")
		return
	}

	account, err := h.federation.GetBalance(r.Context(), bank, consentID, chi.URLParam(r, "accountNumber"))
	if err != nil {
		writeServiceError(w, "remote_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{"bank_code": strings.ToLower(bank), "account": account},
	})
}
