// Package http provides net/http middleware for admin gating and credential extraction
package http

import (
	"context"
	"net/http"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/admin"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// Authorizer verifies that an Authorization header belongs to an admin.
// *admin.Gate implements it.
type Authorizer interface {
	Authorize(ctx context.Context, authHeader string) (*zamar.User, error)
}

// Config holds middleware configuration
type Config struct {
	// Gate is the admin gate (required)
	Gate Authorizer

	// OnUnauthorized is called when the caller has no valid token
	// If nil, returns 401 {"error":"Unauthorized"}
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called when the caller is not an admin
	// If nil, returns 403 {"error":"Forbidden - Admin access only"}
	OnForbidden func(w http.ResponseWriter, r *http.Request)
}

// RequireAdmin creates middleware that only lets admins through.
// The verified user is available to the next handler via zamar.UserFrom.
func RequireAdmin(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("zamar/http: Config.Gate is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := zamar.RequestCredentials(r)
			user, err := config.Gate.Authorize(r.Context(), creds.Authorization)
			if err != nil {
				code, msg := admin.Denial(err)
				switch {
				case code == http.StatusUnauthorized && config.OnUnauthorized != nil:
					config.OnUnauthorized(w, r)
				case code == http.StatusForbidden && config.OnForbidden != nil:
					config.OnForbidden(w, r)
				default:
					httpx.WriteError(w, code, msg)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(zamar.WithUser(r.Context(), user)))
		})
	}
}

// Credentials creates middleware that parses the credential headers once and
// stores them in the request context.
func Credentials() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds := zamar.CredentialsFromRequest(r)
			next.ServeHTTP(w, r.WithContext(zamar.WithCredentials(r.Context(), creds)))
		})
	}
}
