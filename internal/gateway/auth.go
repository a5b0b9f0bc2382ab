package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates the shared bearer token.
type AuthMiddleware struct {
	token []byte
}

// NewAuthMiddleware returns a middleware for token. An empty token disables auth.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: []byte(token)}
}

// Wrap wraps an http.Handler with token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if len(am.token) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes stay unauthenticated.
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing API key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), am.token) != 1 {
			writeErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on a WebSocket handshake.
	return r.URL.Query().Get("api_key")
}
