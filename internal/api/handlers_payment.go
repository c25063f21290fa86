package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/app"
	"github.com/federation/bank-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// paymentInitiationRequest is the OpenBanking payment body.
type paymentInitiationRequest struct {
	Data struct {
		Initiation struct {
			InstructedAmount struct {
				Amount   string `json:"amount"`
				Currency string `json:"currency"`
			} `json:"instructedAmount"`
			DebtorAccount struct {
				Identification string `json:"identification"`
			} `json:"debtorAccount"`
			CreditorAccount struct {
				Identification string `json:"identification"`
			} `json:"creditorAccount"`
			RemittanceInformation struct {
				Unstructured string `json:"unstructured"`
			} `json:"remittanceInformation"`
		} `json:"initiation"`
	} `json:"data"`
}

type paymentView struct {
	PaymentID            string    `json:"paymentId"`
	Status               string    `json:"status"`
	Amount               string    `json:"amount"`
	Currency             string    `json:"currency"`
	DebtorAccount        string    `json:"debtorAccount"`
	CreditorAccount      string    `json:"creditorAccount"`
	Description          string    `json:"description,omitempty"`
	DestinationBank      string    `json:"destinationBank"`
	TransferID           string    `json:"transferId,omitempty"`
	RejectionReason      string    `json:"rejectionReason,omitempty"`
	CreationDateTime     time.Time `json:"creationDateTime"`
	StatusUpdateDateTime time.Time `json:"statusUpdateDateTime"`
}

func newPaymentView(p *domain.Payment, t *domain.InterbankTransfer) paymentView {
	view := paymentView{
		PaymentID:            p.ID,
		Status:               p.Status.OpenBanking(),
		Amount:               p.Amount.StringFixed(2),
		Currency:             p.Currency,
		DebtorAccount:        p.FromAccountNumber,
		CreditorAccount:      p.ToAccountNumber,
		Description:          p.Description,
		DestinationBank:      p.DestinationBank,
		CreationDateTime:     p.CreatedAt,
		StatusUpdateDateTime: p.UpdatedAt,
	}
	if t != nil {
		view.TransferID = t.ID
	}
	if p.RejectionReason != nil {
		view.RejectionReason = *p.RejectionReason
	}
	return view
}

func idempotencyKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
}

// CreatePaymentHandler initiates a payment. Customers pay from their own accounts; banks
// and teams need a consent with CreatePayments in x-consent-id.
func (h *Handlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	var req paymentInitiationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	initiation := req.Data.Initiation

	amount, err := decimal.NewFromString(strings.TrimSpace(initiation.InstructedAmount.Amount))
	if err != nil {
		writeServiceError(w, "create_payment", app.ErrInvalidAmount)
		return
	}
	from := strings.TrimSpace(initiation.DebtorAccount.Identification)

	if err := h.accounts.AuthorizePaymentSource(r.Context(), principal, consentIDFromRequest(r), from); err != nil {
		writeServiceError(w, "create_payment", err)
		return
	}

	result, err := h.settlement.InitiatePayment(r.Context(), domain.PaymentInstruction{
		FromAccountNumber: from,
		ToAccountNumber:   initiation.CreditorAccount.Identification,
		Amount:            amount,
		Currency:          initiation.InstructedAmount.Currency,
		Description:       initiation.RemittanceInformation.Unstructured,
		IdempotencyKey:    idempotencyKey(r),
		InitiatedBy:       principal.Initiator(),
	})
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_payment outcome=reject initiated_by=%s err=%v", principal.Initiator(), err)
		writeServiceError(w, "create_payment", err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"data": newPaymentView(result.Payment, result.Transfer)})
}

// GetPaymentHandler returns a payment to its initiator or to the owner of the debited account.
func (h *Handlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	payment, transfer, err := h.settlement.GetPayment(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		writeServiceError(w, "get_payment", err)
		return
	}
	if payment.InitiatedBy != principal.Initiator() {
		visible := false
		if principal.Kind == domain.PrincipalCustomer {
			_, ownErr := h.accounts.BalanceForCustomer(r.Context(), principal.Subject, payment.FromAccountNumber)
			visible = ownErr == nil
		}
		if !visible {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": newPaymentView(payment, transfer)})
}

type inboundTransferBody struct {
	ToAccount string `json:"to_account"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Reference string `json:"reference"`
}

// ReceiveTransferHandler credits a local account for money another bank sent. The
// sending bank is the authenticated principal.
func (h *Handlers) ReceiveTransferHandler(w http.ResponseWriter, r *http.Request) {
	principal, _ := GetPrincipal(r.Context())

	var body inboundTransferBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(body.Amount))
	if err != nil {
		writeServiceError(w, "receive_transfer", app.ErrInvalidTransfer)
		return
	}

	transfer, replayed, err := h.settlement.ReceiveTransfer(r.Context(), domain.InboundTransfer{
		ToAccountNumber: body.ToAccount,
		Amount:          amount,
		Currency:        body.Currency,
		FromBank:        principal.BankCode(),
		Reference:       body.Reference,
	})
	if err != nil {
		writeServiceError(w, "receive_transfer", err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{"data": transfer, "replayed": replayed})
}
