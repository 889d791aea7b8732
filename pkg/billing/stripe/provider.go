package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024

	metadataUserID        = "user_id"
	metadataCreditsAmount = "credits_amount"
	metadataType          = "type"
)

// SessionAPI is the subset of the Stripe checkout session service the provider uses.
type SessionAPI interface {
	Create(ctx context.Context, params *stripe.CheckoutSessionCreateParams) (*stripe.CheckoutSession, error)
	Retrieve(ctx context.Context, id string, params *stripe.CheckoutSessionRetrieveParams) (*stripe.CheckoutSession, error)
}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// Sessions overrides the Stripe checkout session service.
	// If nil, one is built from SecretKey.
	Sessions SessionAPI
}

var _ billing.Provider = (*Provider)(nil)

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	config        Config
	sessions      SessionAPI
	identity      billing.Identity
	credits       billing.CreditGranter
	ledger        billing.EventLedger
	claimLease    time.Duration
	localizer     *zamar.Localizer
	rateLimiter   *httpx.RateLimiter
	webhookSecret string
	webURL        string
	metrics       billing.Metrics
	logger        zamar.Logger
	now           func() time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Identity == nil || config.Credits == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	webURL := strings.TrimRight(strings.TrimSpace(config.WebURL), "/")
	if webURL == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	sessions := config.Sessions
	if sessions == nil {
		apiKey := strings.TrimSpace(config.SecretKey)
		if apiKey == "" {
			return nil, billing.ErrProviderNotConfigured
		}

		sessions = stripe.NewClient(apiKey).V1CheckoutSessions
	}

	localizer := config.Localizer
	if localizer == nil {
		localizer = zamar.NewLocalizer("")
	}

	claimLease := config.ClaimLease
	if claimLease <= 0 {
		claimLease = billing.DefaultClaimLease
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	p := &Provider{
		config:        config,
		sessions:      sessions,
		identity:      config.Identity,
		credits:       config.Credits,
		ledger:        config.Ledger,
		claimLease:    claimLease,
		localizer:     localizer,
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		webURL:        webURL,
		metrics:       metrics,
		logger:        zamar.LoggerOrNoop(config.Logger),
		now:           time.Now,
	}
	p.rateLimiter = httpx.NewRateLimiter(httpx.RateLimitConfig{
		Limit:          defaultRateLimitRequests,
		Window:         defaultRateLimitWindow,
		TrustedProxies: config.TrustedProxies,
		OnLimited: func(*http.Request) {
			p.metrics.RecordWebhookError(providerName, "rate_limited")
		},
	})
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// CheckoutHandler returns the HTTP handler that starts a credit purchase
func (p *Provider) CheckoutHandler() http.Handler {
	return http.HandlerFunc(p.handleCheckout)
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// VerifyHandler returns the HTTP handler that checks a checkout session
func (p *Provider) VerifyHandler() http.Handler {
	return http.HandlerFunc(p.handleVerify)
}

func (p *Provider) observeAPICall(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}
