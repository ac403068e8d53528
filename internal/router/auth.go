package router

import (
	"net/http"
	"strings"

	"github.com/tenement-host/tenement/internal/auth"
)

// publicPrefixes are served without a bearer token (spec §4.9). Proxied
// subdomain traffic never reaches this middleware at all: the top-level
// handler dispatches on Host before auth is ever considered, so this
// list only needs to cover the control API's own public surface.
var publicPaths = []string{"/health", "/metrics", "/"}
var publicPrefixes = []string{"/assets/"}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// authMiddleware enforces bearer-token auth on every control API path
// except the public allow-list. Unlike the teacher's dev-mode bypass
// (auth disabled entirely when no API key is configured), this always
// enforces auth: a control plane with no token store populated simply
// rejects every request, since there is no way to know that omission
// was intentional rather than a deployment mistake.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := auth.ExtractBearerToken(r.Header.Get("Authorization"))
		if !ok {
			writeUnauthorized(w, "missing or malformed bearer token")
			return
		}

		if _, ok := s.tokens.Verify(token); !ok {
			writeUnauthorized(w, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
