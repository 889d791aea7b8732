// Package fiber provides Fiber middleware for admin gating and credential extraction
package fiber

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/zamar-app/gateway/pkg/admin"
	"github.com/zamar-app/gateway/pkg/zamar"
)

// LocalsKeyUser is the Fiber locals key holding the verified *zamar.User
const LocalsKeyUser = "zamar.user"

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnForbidden is called when the caller is not an admin
	// If nil, returns 403 JSON
	OnForbidden func(c *fiber.Ctx) error
}

// RequireAdmin creates a Fiber middleware that only lets admins through
func RequireAdmin(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("zamar/fiber: Config.Gate is required")
	}

	return func(c *fiber.Ctx) error {
		// Fiber uses fasthttp, so credentials and the user travel in c.UserContext()
		ctx := c.UserContext()
		creds, ok := zamar.CredentialsFrom(ctx)
		if !ok {
			creds = credentialsOf(c)
		}

		user, err := cfg.Gate.Authorize(ctx, creds.Authorization)
		if err != nil {
			code, msg := admin.Denial(err)
			if code == fiber.StatusUnauthorized && cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			if code == fiber.StatusForbidden && cfg.OnForbidden != nil {
				return cfg.OnForbidden(c)
			}
			return c.Status(code).JSON(fiber.Map{"error": msg})
		}

		c.Locals(LocalsKeyUser, user)
		c.SetUserContext(zamar.WithUser(ctx, user))
		return c.Next()
	}
}

// Credentials creates a Fiber middleware that stores the parsed credential
// headers in c.UserContext()
func Credentials() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.SetUserContext(zamar.WithCredentials(c.UserContext(), credentialsOf(c)))
		return c.Next()
	}
}

// User returns the admin stored by RequireAdmin, or nil
func User(c *fiber.Ctx) *zamar.User {
	if val := c.Locals(LocalsKeyUser); val != nil {
		if u, ok := val.(*zamar.User); ok {
			return u
		}
	}
	return nil
}

func credentialsOf(c *fiber.Ctx) zamar.Credentials {
	return zamar.ParseCredentials(c.Get(zamar.HeaderAuthorization), c.Get(zamar.HeaderImpersonation))
}
