package gateway

import (
	"crypto/subtle"
	"net/http"
)

// SecretHeader carries the shared secret on REST calls and websocket
// upgrades alike. An empty configured secret disables the check, for
// loopback-only deployments.
const SecretHeader = "X-Agent-Secret"

// authorized verifies the shared-secret header in constant time.
func authorized(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	presented := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1
}

// requireSecret rejects unauthenticated requests with a JSON 401.
func requireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(r, secret) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
