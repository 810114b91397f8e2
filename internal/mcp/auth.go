package mcp

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// authorize validates the request credential. The Authorization header is the
// primary channel; the ?token= fallback is honored only when
// MCP_ALLOW_QUERY_TOKEN is set, since query strings leak into proxy and
// browser logs. Comparison is constant-time. A zero status means authorized.
func (s *Server) authorize(r *http.Request) (status int, detail string) {
	var supplied string
	var haveBearer bool
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		supplied = strings.TrimSpace(auth[len("Bearer "):])
		haveBearer = true
	}
	if !haveBearer && s.cfg.Auth.AllowQueryToken {
		supplied = r.URL.Query().Get("token")
	}
	if supplied == "" {
		return http.StatusUnauthorized, codeUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.Auth.Token)) != 1 {
		return http.StatusForbidden, codeForbidden
	}
	return 0, ""
}

// requireAuth gates a handler behind authorize. Rejections happen before any
// request counter fires.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status, detail := s.authorize(r); status != 0 {
			httpError(w, status, detail)
			return
		}
		next(w, r)
	}
}

// httpError writes an HTTP-level failure as {"detail": "..."}.
func httpError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
