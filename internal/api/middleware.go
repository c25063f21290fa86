/**
 * @description
 * Authentication middleware. Bearer tokens are verified by the token service and the
 * resulting principal is stored on the request context. Every failure, including a
 * principal of the wrong kind, answers with the same 401 body.
 */

package api

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/federation/bank-service/internal/domain"
)

// TokenVerifier turns a bearer string into a principal.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*domain.Principal, error)
}

type principalContextKey string

const principalKey principalContextKey = "principal"

const unauthorizedMessage = "Could not validate credentials"

// RequirePrincipal rejects requests without a valid bearer token of one of kinds.
func RequirePrincipal(verifier TokenVerifier, kinds ...domain.PrincipalKind) func(http.Handler) http.Handler {
	allowed := make(map[domain.PrincipalKind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w)
				return
			}

			principal, err := verifier.Verify(r.Context(), raw)
			if err != nil {
				log.Printf("level=info component=api msg=\"token rejected\" path=%s err=%v", r.URL.Path, err)
				writeUnauthorized(w)
				return
			}
			if _, ok := allowed[principal.Kind]; !ok {
				log.Printf("level=info component=api msg=\"principal kind not allowed\" path=%s kind=%s", r.URL.Path, principal.Kind)
				writeUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, *principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal retrieves the authenticated principal from the request context.
func GetPrincipal(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(domain.Principal)
	return principal, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(header[7:])
	return raw, raw != ""
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, unauthorizedMessage)
}
