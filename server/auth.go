package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// exemptPaths can be hit without a token so load balancers and scrapers
// keep working when auth is enabled.
var exemptPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// authMiddleware requires a Bearer token on the resolve endpoints when
// AuthToken is configured. With an empty token the middleware is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	want := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exemptPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
