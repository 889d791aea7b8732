package billing

import (
	"net/netip"
	"time"

	"github.com/zamar-app/gateway/pkg/zamar"
)

// Config defines the configuration the payment provider accepts
type Config struct {
	// SecretKey is the processor API key used for outbound calls.
	SecretKey string

	// WebhookSecret verifies the signature of incoming webhook requests.
	WebhookSecret string

	// WebURL is the public web application origin used to build
	// checkout success and cancel URLs.
	WebURL string

	// Identity resolves the caller before a checkout session is created.
	Identity Identity

	// Credits receives credit grants from completed checkout sessions.
	Credits CreditGranter

	// Ledger is optional. When set, webhook events are deduplicated by id
	// and failed grants are kept as dead letters.
	Ledger EventLedger

	// ClaimLease bounds how long an unfinished delivery blocks redeliveries
	// of the same event (default: DefaultClaimLease).
	ClaimLease time.Duration

	// TrustedProxies are the networks whose X-Forwarded-For entries the
	// webhook rate limiter believes.
	TrustedProxies []netip.Prefix

	// Localizer picks user-facing error messages (default: Hebrew).
	Localizer *zamar.Localizer

	// Metrics is an optional metrics collector for tracking billing operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	Logger zamar.Logger

	// WebhookCallback is invoked after a checkout session has been credited.
	WebhookCallback func(WebhookEvent)
}
