package api

import (
	"net/http"
	"strings"

	"github.com/federation/bank-service/internal/app"
	"github.com/federation/bank-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// CapitalHandler reports capital against the sum of client balances.
func (h *Handlers) CapitalHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := h.settlement.CapitalSummary(r.Context())
	if err != nil {
		writeServiceError(w, "capital", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"bank_code":             summary.BankCode,
		"capital":               summary.Capital.StringFixed(2),
		"initial_capital":       summary.InitialCapital.StringFixed(2),
		"net_interbank_flow":    summary.NetFlow().StringFixed(2),
		"total_client_balances": summary.TotalClientBalances.StringFixed(2),
		"pool_status":           summary.PoolStatus,
		"updated_at":            summary.UpdatedAt,
	})
}

type adjustCapitalBody struct {
	Amount string `json:"amount"`
	Reason string `json:"reason"`
}

// AdjustCapitalHandler applies a signed manual capital adjustment.
func (h *Handlers) AdjustCapitalHandler(w http.ResponseWriter, r *http.Request) {
	var body adjustCapitalBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil || delta.IsZero() || !delta.Equal(delta.Round(2)) {
		writeServiceError(w, "adjust_capital", app.ErrInvalidAmount)
		return
	}

	capital, err := h.settlement.UpdateCapital(r.Context(), delta, body.Reason)
	if err != nil {
		writeServiceError(w, "adjust_capital", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": capital})
}

// ReconcileCapitalHandler runs a capital reconciliation pass on demand.
func (h *Handlers) ReconcileCapitalHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Reconcile(r.Context(), parseLimit(r))
	if err != nil {
		writeServiceError(w, "reconcile_capital", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": report})
}

// ListTransfersHandler returns the newest interbank transfers.
func (h *Handlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.settlement.ListTransfers(r.Context(), parseLimit(r))
	if err != nil {
		writeServiceError(w, "list_transfers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": transfers})
}

// ListPaymentsHandler returns the newest payments, optionally filtered by ?status=.
func (h *Handlers) ListPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	status := domain.PaymentStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", domain.PaymentInProcess, domain.PaymentCompleted, domain.PaymentRejected:
	default:
		writeError(w, http.StatusBadRequest, "Unknown payment status")
		return
	}

	payments, err := h.settlement.ListPayments(r.Context(), status, parseLimit(r))
	if err != nil {
		writeServiceError(w, "list_payments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": payments})
}

type consentPolicyBody struct {
	Enabled bool     `json:"enabled"`
	Scopes  []string `json:"scopes"`
}

// SetConsentPolicyHandler stores the auto-approval policy of a requesting bank.
func (h *Handlers) SetConsentPolicyHandler(w http.ResponseWriter, r *http.Request) {
	var body consentPolicyBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	policy, err := h.consents.SetAutoApprovalPolicy(r.Context(), chi.URLParam(r, "bankCode"), body.Enabled, body.Scopes)
	if err != nil {
		writeServiceError(w, "set_consent_policy", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": policy})
}
