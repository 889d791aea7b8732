// Package echo provides Echo middleware for admin gating and credential extraction
package echo

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/zamar-app/gateway/pkg/admin"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// ContextKeyUser is the Echo context key holding the verified *zamar.User
const ContextKeyUser = "zamar.user"

// Authorizer verifies that an Authorization header belongs to an admin
type Authorizer interface {
	Authorize(ctx context.Context, authHeader string) (*zamar.User, error)
}

// Config holds middleware configuration
type Config struct {
	// Gate is the admin gate (required)
	Gate Authorizer

	// OnUnauthorized is called when the caller has no valid token
	// If nil, returns 401 JSON
	OnUnauthorized func(c echo.Context) error

	// OnForbidden is called when the caller is not an admin
	// If nil, returns 403 JSON
	OnForbidden func(c echo.Context) error
}

// RequireAdmin creates an Echo middleware that only lets admins through
func RequireAdmin(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("zamar/echo: Config.Gate is required")
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			creds := zamar.RequestCredentials(req)
			user, err := cfg.Gate.Authorize(req.Context(), creds.Authorization)
			if err != nil {
				code, msg := admin.Denial(err)
				if code == http.StatusUnauthorized && cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				if code == http.StatusForbidden && cfg.OnForbidden != nil {
					return cfg.OnForbidden(c)
				}
				return c.JSON(code, map[string]string{"error": msg})
			}

			c.Set(ContextKeyUser, user)
			c.SetRequest(req.WithContext(zamar.WithUser(req.Context(), user)))
			return next(c)
		}
	}
}

// Credentials creates an Echo middleware that stores the parsed credential
// headers in the request context
func Credentials() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			creds := zamar.CredentialsFromRequest(req)
			c.SetRequest(req.WithContext(zamar.WithCredentials(req.Context(), creds)))
			return next(c)
		}
	}
}

// User returns the admin stored by RequireAdmin, or nil
func User(c echo.Context) *zamar.User {
	u, _ := c.Get(ContextKeyUser).(*zamar.User)
	return u
}
