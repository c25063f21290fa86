/**
 * @description
 * This file sets up the HTTP router for the bank service. Routes are grouped by the
 * principal kinds allowed to call them.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: router and standard middleware.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/federation/bank-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the service router.
func NewRouter(h *Handlers, verifier TokenVerifier, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Idempotency-Key", "X-Consent-Id", "X-Requesting-Bank"},
		ExposedHeaders: []string{"Link"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthHandler)
	r.Get("/.well-known/jwks.json", h.JWKSHandler)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", h.LoginHandler)
		r.Post("/bank-token", h.BankTokenHandler)
		r.Post("/banker-login", h.BankerLoginHandler)
	})

	customer := RequirePrincipal(verifier, domain.PrincipalCustomer)
	federated := RequirePrincipal(verifier, domain.PrincipalBank, domain.PrincipalTeam)
	readers := RequirePrincipal(verifier, domain.PrincipalCustomer, domain.PrincipalBank, domain.PrincipalTeam)
	banker := RequirePrincipal(verifier, domain.PrincipalBanker)

	r.Route("/account-consents", func(r chi.Router) {
		r.With(federated).Post("/request", h.RequestConsentHandler)
		r.With(customer).Get("/requests", h.ListConsentRequestsHandler)
		r.With(customer).Post("/sign", h.SignConsentHandler)
		r.With(customer).Get("/my-consents", h.ListMyConsentsHandler)
		r.With(customer).Delete("/my-consents/{consentID}", h.RevokeConsentHandler)
		r.With(federated).Get("/{consentID}", h.GetConsentHandler)
		r.With(federated).Delete("/{consentID}", h.RevokeConsentForBankHandler)
	})

	r.With(customer).Get("/notifications", h.ListNotificationsHandler)

	r.Group(func(r chi.Router) {
		r.Use(readers)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{accountNumber}/balances", h.GetBalanceHandler)
		r.Post("/payments", h.CreatePaymentHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
	})

	r.With(federated).Post("/interbank/transfers", h.ReceiveTransferHandler)

	r.Route("/admin", func(r chi.Router) {
		r.Use(banker)
		r.Get("/capital", h.CapitalHandler)
		r.Post("/capital/adjust", h.AdjustCapitalHandler)
		r.Post("/capital/reconcile", h.ReconcileCapitalHandler)
		r.Get("/transfers", h.ListTransfersHandler)
		r.Get("/payments", h.ListPaymentsHandler)
		r.Put("/consent-policies/{bankCode}", h.SetConsentPolicyHandler)
	})

	r.Route("/multibank", func(r chi.Router) {
		r.Use(RequirePrincipal(verifier, domain.PrincipalCustomer, domain.PrincipalBanker))
		r.Get("/banks", h.ListFederationBanksHandler)
		r.Post("/consents", h.RequestRemoteConsentHandler)
		r.Get("/accounts", h.ListRemoteAccountsHandler)
		r.Get("/accounts/{accountNumber}/balances", h.GetRemoteBalanceHandler)
	})

	return r
}
