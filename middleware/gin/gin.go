// Package gin provides Gin middleware for admin gating and credential extraction
package gin

import (
	"context"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/zamar-app/gateway/pkg/admin"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// ContextKeyUser is the Gin context key holding the verified *zamar.User
const ContextKeyUser = "zamar.user"

// ContextKeyCredentials is the Gin context key holding zamar.Credentials
const ContextKeyCredentials = "zamar.credentials"

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
	OnUnauthorized func(c *gongin.Context)

	// OnForbidden is called when the caller is not an admin
	// If nil, returns 403 JSON
	OnForbidden func(c *gongin.Context)
}

// RequireAdmin creates a Gin middleware that only lets admins through
func RequireAdmin(cfg Config) gongin.HandlerFunc {
	if cfg.Gate == nil {
		panic("zamar/gin: Config.Gate is required")
	}

	return func(c *gongin.Context) {
		creds := zamar.RequestCredentials(c.Request)
		user, err := cfg.Gate.Authorize(c.Request.Context(), creds.Authorization)
		if err != nil {
			code, msg := admin.Denial(err)
			switch {
			case code == http.StatusUnauthorized && cfg.OnUnauthorized != nil:
				cfg.OnUnauthorized(c)
			case code == http.StatusForbidden && cfg.OnForbidden != nil:
				cfg.OnForbidden(c)
			default:
				c.JSON(code, gongin.H{"error": msg})
			}
			c.Abort()
			return
		}

		c.Set(ContextKeyUser, user)
		c.Request = c.Request.WithContext(zamar.WithUser(c.Request.Context(), user))
		c.Next()
	}
}

// Credentials creates a Gin middleware that stores the parsed credential headers
// in both the Gin context and the request context
func Credentials() gongin.HandlerFunc {
	return func(c *gongin.Context) {
		creds := zamar.CredentialsFromRequest(c.Request)
		c.Set(ContextKeyCredentials, creds)
		c.Request = c.Request.WithContext(zamar.WithCredentials(c.Request.Context(), creds))
		c.Next()
	}
}

// User returns the admin stored by RequireAdmin, or nil
func User(c *gongin.Context) *zamar.User {
	if val, ok := c.Get(ContextKeyUser); ok {
		if u, ok := val.(*zamar.User); ok {
			return u
		}
	}
	return nil
}
