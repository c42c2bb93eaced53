package middleware

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kiranshivaraju/luawatch/internal/api/response"
)

const keyPrefixLen = 8

// Auth checks the bearer token against a single bcrypt hash.
type Auth struct {
	tokenHash []byte
}

// NewAuth creates the auth middleware. An empty hash rejects every request.
func NewAuth(tokenHash string) *Auth {
	return &Auth{tokenHash: []byte(tokenHash)}
}

// Authenticate validates the Bearer token and stores its prefix in the
// request context for rate limiting.
func (a *Auth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if len(token) < keyPrefixLen {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API token format", nil)
			return
		}

		if len(a.tokenHash) == 0 || bcrypt.CompareHashAndPassword(a.tokenHash, []byte(token)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid API token", nil)
			return
		}

		ctx := setKeyPrefix(r.Context(), token[:keyPrefixLen])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
