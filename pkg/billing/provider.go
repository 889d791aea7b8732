package billing

import (
	"context"
	"net/http"

	"github.com/zamar-app/gateway/pkg/zamar"
)

// Provider is the interface a payment processor integration implements.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// CheckoutHandler starts a credit purchase for the caller.
	CheckoutHandler() http.Handler

	// WebhookHandler returns the HTTP handler that processes signed processor events.
	WebhookHandler() http.Handler

	// VerifyHandler reports whether a checkout session has been paid.
	VerifyHandler() http.Handler
}

// Identity resolves the caller behind an Authorization header.
type Identity interface {
	Me(ctx context.Context, authHeader string) (*zamar.User, error)
}

// CreditGranter performs the authoritative credit mutation.
type CreditGranter interface {
	AddCredits(ctx context.Context, grant zamar.CreditGrant) error
}
