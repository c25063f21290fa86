package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/federation/bank-service/internal/app"
	"github.com/federation/bank-service/internal/domain"
	"github.com/federation/bank-service/internal/token"
)

type tokenResponse struct {
	AccessToken string             `json:"access_token"`
	TokenType   string             `json:"token_type"`
	Scheme      domain.TokenScheme `json:"scheme"`
	KeyID       string             `json:"kid,omitempty"`
	ExpiresAt   time.Time          `json:"expires_at"`
	ExpiresIn   int64              `json:"expires_in"`
}

func newTokenResponse(issued *token.IssuedToken) tokenResponse {
	expiresIn := int64(time.Until(issued.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return tokenResponse{
		AccessToken: issued.Token,
		TokenType:   "bearer",
		Scheme:      issued.Scheme,
		KeyID:       issued.KeyID,
		ExpiresAt:   issued.ExpiresAt,
		ExpiresIn:   expiresIn,
	}
}

type loginRequest struct {
	ClientID string `json:"client_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (req loginRequest) subject() string {
	if strings.TrimSpace(req.ClientID) != "" {
		return req.ClientID
	}
	return req.Username
}

// LoginHandler exchanges a customer's password for an HS256 customer token.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	issued, err := h.auth.LoginCustomer(r.Context(), req.subject(), req.Password)
	if err != nil {
		writeServiceError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(issued))
}

type bankTokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Kind         string `json:"kind"`
	Audience     string `json:"audience"`
}

// BankTokenHandler issues RS256 bank or team tokens for client credentials. Both JSON
// and form-encoded bodies are accepted.
func (h *Handlers) BankTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req bankTokenRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid form body")
			return
		}
		req = bankTokenRequest{
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			Kind:         r.PostForm.Get("kind"),
			Audience:     r.PostForm.Get("audience"),
		}
	} else if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	kind := domain.PrincipalTeam
	if strings.TrimSpace(req.Kind) != "" {
		parsed, ok := domain.ParsePrincipalKind(req.Kind)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown token kind")
			return
		}
		kind = parsed
	}

	issued, err := h.auth.IssueBankToken(r.Context(), app.BankTokenRequest{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Kind:         kind,
		Audience:     req.Audience,
	})
	if err != nil {
		writeServiceError(w, "bank_token", err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(issued))
}

// BankerLoginHandler issues a banker token for the back-office account.
func (h *Handlers) BankerLoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	issued, err := h.auth.LoginBanker(r.Context(), req.Username, req.Password)
	if err != nil {
		writeServiceError(w, "banker_login", err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(issued))
}
