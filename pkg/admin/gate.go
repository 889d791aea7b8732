// Package admin implements the admin gate and the admin proxy routes.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/zamar-app/gateway/pkg/zamar"
)

// Identity resolves the caller behind an Authorization header.
type Identity interface {
	Me(ctx context.Context, authHeader string) (*zamar.User, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	Identity Identity
	Policy   zamar.AdminPolicy
	Metrics  zamar.Metrics
	Logger   zamar.Logger
}

// Gate decides per request whether the caller is an admin. It caches nothing.
type Gate struct {
	identity Identity
	policy   zamar.AdminPolicy
	metrics  zamar.Metrics
	logger   zamar.Logger
}

// NewGate creates a Gate. Identity and Policy are required.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Identity == nil {
		return nil, errors.New("admin gate: identity is required")
	}
	if cfg.Policy == nil {
		return nil, errors.New("admin gate: policy is required")
	}
	return &Gate{
		identity: cfg.Identity,
		policy:   cfg.Policy,
		metrics:  zamar.MetricsOrNoop(cfg.Metrics),
		logger:   zamar.LoggerOrNoop(cfg.Logger),
	}, nil
}

// Authorize verifies the caller and returns the admin user.
// It returns zamar.ErrUnauthorized when the token is missing or rejected by the
// identity endpoint, and zamar.ErrForbidden for every other failure.
func (g *Gate) Authorize(ctx context.Context, authHeader string) (*zamar.User, error) {
	if !hasToken(authHeader) {
		g.metrics.RecordAdminCheck("denied")
		return nil, zamar.ErrUnauthorized
	}

	user, err := g.identity.Me(ctx, authHeader)
	if err != nil {
		if errors.Is(err, zamar.ErrUnauthorized) {
			g.metrics.RecordAdminCheck("denied")
			return nil, zamar.ErrUnauthorized
		}
		g.metrics.RecordAdminCheck("error")
		g.logger.Warn("admin identity check failed", zamar.F("error", err))
		return nil, zamar.ErrForbidden
	}

	if !g.policy.IsAdmin(user) {
		g.metrics.RecordAdminCheck("denied")
		g.logger.Info("admin access denied", zamar.F("user_id", user.ID))
		return nil, zamar.ErrForbidden
	}

	g.metrics.RecordAdminCheck("granted")
	return user, nil
}

// IsAdmin reports whether authHeader belongs to an admin.
func (g *Gate) IsAdmin(ctx context.Context, authHeader string) bool {
	_, err := g.Authorize(ctx, authHeader)
	return err == nil
}

const (
	msgUnauthorized = "Unauthorized"
	msgForbidden    = "Forbidden - Admin access only"
)

// Denial maps an Authorize error to the response status and error message.
func Denial(err error) (int, string) {
	if errors.Is(err, zamar.ErrUnauthorized) {
		return http.StatusUnauthorized, msgUnauthorized
	}
	return http.StatusForbidden, msgForbidden
}

func hasToken(authHeader string) bool {
	h := strings.TrimSpace(authHeader)
	if h == "" {
		return false
	}
	if strings.HasPrefix(h, "Bearer") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer")) != ""
	}
	return true
}
