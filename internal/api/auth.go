package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerAuth rejects requests whose Authorization header does not carry the
// local API token. An empty token rejects everything.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validBearer(r.Header.Get("Authorization"), token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="storepulse"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validBearer(header, token string) bool {
	if token == "" || !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header[len(bearerPrefix):]), []byte(token)) == 1
}
