package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/audit"
	"github.com/basket/storyforge/internal/shared"
)

// AuthMiddleware checks a single shared bearer token.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware returns a middleware that is a pass-through when token
// is empty.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap enforces the token on every path except /healthz.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.WithActor(r.Context(), "api")))
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			audit.Record(r.Context(), audit.DecisionDeny, "api.auth", "missing_token", clientIP(r))
			writeStatus(w, http.StatusUnauthorized, envelope{Error: &errorBody{Code: apperr.CodeUnauthorized, Message: "missing bearer token"}})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(am.token)) != 1 {
			audit.Record(r.Context(), audit.DecisionDeny, "api.auth", "invalid_token", clientIP(r))
			writeStatus(w, http.StatusUnauthorized, envelope{Error: &errorBody{Code: apperr.CodeUnauthorized, Message: "invalid bearer token"}})
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.WithActor(r.Context(), "api")))
	})
}

// ExtractToken reads the token from, in order: Authorization: Bearer,
// X-API-Key, or the token query parameter (browsers cannot set headers on
// websocket upgrades).
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("token")
}
