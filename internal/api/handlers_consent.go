package api

import (
	"net/http"
	"time"

	"github.com/federation/bank-service/internal/app"
	"github.com/federation/bank-service/internal/domain"
	"github.com/go-chi/chi/v5"
)

type consentRequestBody struct {
	ClientID           string   `json:"client_id"`
	Permissions        []string `json:"permissions"`
	Reason             string   `json:"reason"`
	RequestingBankName string   `json:"requesting_bank_name"`
}

type consentRequestResponse struct {
	RequestID    string     `json:"request_id"`
	ConsentID    string     `json:"consent_id,omitempty"`
	Status       string     `json:"status"`
	AutoApproved bool       `json:"auto_approved"`
	Permissions  []string   `json:"permissions"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// RequestConsentHandler lets a bank or team ask a customer of this bank for access.
// The requesting bank is always the authenticated principal's code.
func (h *Handlers) RequestConsentHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	var body consentRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.consents.RequestAccess(r.Context(), app.AccessRequest{
		ClientID:           body.ClientID,
		RequestingBank:     principal.BankCode(),
		RequestingBankName: body.RequestingBankName,
		Permissions:        body.Permissions,
		Reason:             body.Reason,
	})
	if err != nil {
		writeServiceError(w, "request_consent", err)
		return
	}

	resp := consentRequestResponse{
		RequestID:    result.Request.ID,
		Status:       string(result.Request.Status),
		AutoApproved: result.AutoApproved,
		Permissions:  result.Request.Permissions,
	}
	if result.Consent != nil {
		resp.ConsentID = result.Consent.ID
		resp.ExpiresAt = &result.Consent.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListConsentRequestsHandler returns the customer's pending requests.
func (h *Handlers) ListConsentRequestsHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	requests, err := h.consents.ListPendingRequests(r.Context(), principal.Subject)
	if err != nil {
		writeServiceError(w, "list_consent_requests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": requests})
}

type signConsentBody struct {
	RequestID string `json:"request_id"`
	Action    string `json:"action"`
	Signature string `json:"signature"`
}

// SignConsentHandler records the customer's decision on a pending request.
func (h *Handlers) SignConsentHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	var body signConsentBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.consents.Decide(r.Context(), app.DecisionInput{
		RequestID: body.RequestID,
		ClientID:  principal.Subject,
		Decision:  domain.ConsentDecision(body.Action),
		Signature: body.Signature,
	})
	if err != nil {
		writeServiceError(w, "sign_consent", err)
		return
	}

	resp := map[string]interface{}{
		"request_id": result.Request.ID,
		"status":     result.Request.Status,
	}
	if result.Consent != nil {
		resp["consent_id"] = result.Consent.ID
		resp["expires_at"] = result.Consent.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListMyConsentsHandler returns the customer's consents.
func (h *Handlers) ListMyConsentsHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	consents, err := h.consents.ListConsents(r.Context(), principal.Subject)
	if err != nil {
		writeServiceError(w, "list_consents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": consents})
}

// RevokeConsentHandler revokes one of the customer's active consents.
func (h *Handlers) RevokeConsentHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	consent, err := h.consents.Revoke(r.Context(), chi.URLParam(r, "consentID"), principal.Subject)
	if err != nil {
		writeServiceError(w, "revoke_consent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consent_id": consent.ID,
		"status":     consent.Status,
		"revoked_at": consent.RevokedAt,
	})
}

// GetConsentHandler returns a consent to the bank it was granted to.
func (h *Handlers) GetConsentHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	consent, err := h.consents.GetConsentForBank(r.Context(), chi.URLParam(r, "consentID"), principal.BankCode())
	if err != nil {
		writeServiceError(w, "get_consent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": consent})
}

// RevokeConsentForBankHandler lets the grantee bank revoke a consent it holds.
func (h *Handlers) RevokeConsentForBankHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	consent, err := h.consents.RevokeForBank(r.Context(), chi.URLParam(r, "consentID"), principal.BankCode())
	if err != nil {
		writeServiceError(w, "revoke_consent_bank", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consent_id": consent.ID,
		"status":     consent.Status,
		"revoked_at": consent.RevokedAt,
	})
}

// ListNotificationsHandler returns the customer's notification inbox.
func (h *Handlers) ListNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	notifications, err := h.consents.ListNotifications(r.Context(), principal.Subject, parseLimit(r))
	if err != nil {
		writeServiceError(w, "list_notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": notifications})
}
