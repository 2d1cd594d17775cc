package statusapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenHeader carries the API token on mutating requests
const TokenHeader = "X-Proxyd-Token"

// AuthHandler checks the shared API token. An empty token disables checks.
type AuthHandler struct {
	token string

	// OnReject is called for each rejected request
	OnReject func(r *http.Request)
}

func NewAuthHandler(token string) *AuthHandler {
	return &AuthHandler{token: token}
}

// Verify reports whether r carries the expected token, either in
// TokenHeader or as a bearer token
func (a *AuthHandler) Verify(r *http.Request) bool {
	if a.token == "" {
		return true
	}

	got := r.Header.Get(TokenHeader)
	if got == "" {
		if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			got = bearer
		}
	}

	return subtle.ConstantTimeCompare([]byte(a.token), []byte(got)) == 1
}

// Require wraps next so it only runs for authenticated requests
func (a *AuthHandler) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Verify(r) {
			if a.OnReject != nil {
				a.OnReject(r)
			}
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}
