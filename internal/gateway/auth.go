package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards operator routes (sync report, event stream) with
// the single bearer token from gateway.auth_token. The public web-app
// routes never pass through it.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware returns a middleware for token. An empty token rejects
// every request so operator routes are closed until one is configured.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(strings.TrimSpace(token))}
}

// Allow reports whether r carries the configured token.
func (am *AuthMiddleware) Allow(r *http.Request) bool {
	if len(am.token) == 0 {
		return false
	}
	candidate := ExtractToken(r)
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), am.token) == 1
}

// Wrap rejects requests without the token with 401.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.Allow(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads the token from, in order: Authorization: Bearer <token>,
// X-API-Key, and the access_token query parameter. Browsers cannot set
// headers on a websocket handshake, hence the query fallback.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("access_token")
}
