package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const operatorTokenHeader = "X-Operator-Token"

// requireOperator guards control routes behind the shared operator
// token. An unset token leaves the daemon open; that is the single
// operator development default.
func (r *Router) requireOperator(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.operatorToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimSpace(req.Header.Get(operatorTokenHeader))
		if token == "" {
			// Browsers cannot set headers on EventSource or WebSocket
			// requests, so the token may ride in the query string.
			token = strings.TrimSpace(req.URL.Query().Get("operator_token"))
		}
		if len(token) != len(r.operatorToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.operatorToken)) != 1 {
			r.logger.Warn("operator token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid operator token")
			return
		}
		next(w, req)
	}
}
