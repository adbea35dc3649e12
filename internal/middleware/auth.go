package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/spiritnet/gledger/internal/identity"
	"github.com/spiritnet/gledger/internal/models"
)

type contextKey string

// AccessTokenKey carries the verified access token through the request
// context.
const AccessTokenKey contextKey = "accessToken"

// Auth verifies the bearer access token on every protected request and
// stashes it in the request context. Verification re-checks expiry and the
// revocation list on each call.
func Auth(engine *identity.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := engine.VerifyAccessToken(r.Context(), parts[1])
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AccessTokenKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokenFromContext returns the verified access token placed by Auth.
func TokenFromContext(ctx context.Context) (*models.AccessToken, bool) {
	token, ok := ctx.Value(AccessTokenKey).(*models.AccessToken)
	return token, ok
}

// SecurityHeaders sets baseline browser hardening headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RequirePermission rejects requests whose token does not cover the named
// permission. Engines re-check permissions themselves; this is an early
// gate for read surfaces.
func RequirePermission(permission models.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := TokenFromContext(r.Context())
			if !ok || !token.Permissions.Covers(permission) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
