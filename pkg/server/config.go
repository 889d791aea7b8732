package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/billing/stripe"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	defaultListenAddr       = ":8080"
	defaultMetricsNamespace = "zamar"
	defaultShutdownTimeout  = 10 * time.Second
	defaultAdminRole        = "admin"
)

// Config holds everything the gateway needs to serve requests.
type Config struct {
	ListenAddr string

	// BackendURL is the Zamar backend base URL (required).
	BackendURL string
	// WebURL is the public site used for checkout return URLs (required).
	WebURL string

	// AdminRoles are the role claims granted admin access. When nil it
	// defaults to ["admin"], unless AdminEmail is set. A non-nil empty
	// slice turns role matching off.
	AdminRoles []string
	// AdminEmail grants admin to one exact address.
	AdminEmail string

	StripeSecretKey     string
	StripeWebhookSecret string
	// StripeSessions overrides the Stripe checkout session service.
	StripeSessions stripe.SessionAPI

	LangGraphURL    string
	LangGraphAPIKey string

	// AllowedOrigins enables CORS for the listed origins ("*" allows any).
	AllowedOrigins []string

	// TrustedProxies are IPs or CIDR prefixes of reverse proxies whose
	// X-Forwarded-For header identifies the client.
	TrustedProxies []string

	// Locale is the default language of user-facing messages ("he" or "en").
	Locale string

	// Ledger is optional. Without it webhook deliveries are not deduplicated.
	Ledger billing.EventLedger

	// Registry collects Prometheus metrics; a fresh registry is used when nil.
	Registry         *prometheus.Registry
	MetricsNamespace string

	HTTPClient      *http.Client
	ShutdownTimeout time.Duration
	Logger          zamar.Logger
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	if err := requireURL("backend url", c.BackendURL); err != nil {
		return err
	}
	if err := requireURL("web url", c.WebURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.StripeSecretKey) == "" && c.StripeSessions == nil {
		return fmt.Errorf("stripe secret key is required")
	}

	if _, err := httpx.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}

	c.AdminEmail = strings.TrimSpace(c.AdminEmail)
	switch {
	case c.AdminRoles != nil:
		roles := make([]string, 0, len(c.AdminRoles))
		for _, r := range c.AdminRoles {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		c.AdminRoles = roles
	case c.AdminEmail == "":
		c.AdminRoles = []string{defaultAdminRole}
	default:
		c.AdminRoles = []string{}
	}
	if len(c.AdminRoles) == 0 && c.AdminEmail == "" {
		return fmt.Errorf("admin roles and admin email are both empty: nobody could use admin routes")
	}

	if c.MetricsNamespace == "" {
		c.MetricsNamespace = defaultMetricsNamespace
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	c.Logger = zamar.LoggerOrNoop(c.Logger)
	return nil
}

// AdminPolicy returns the policy built from AdminRoles and AdminEmail.
// Call it after Validate.
func (c *Config) AdminPolicy() zamar.AdminPolicy {
	var policies []zamar.AdminPolicy
	if len(c.AdminRoles) > 0 {
		policies = append(policies, zamar.RolePolicy(c.AdminRoles...))
	}
	if c.AdminEmail != "" {
		policies = append(policies, zamar.EmailPolicy(c.AdminEmail))
	}
	return zamar.AnyPolicy(policies...)
}

// ParseList splits a comma-separated flag value, dropping blanks.
// It returns nil when nothing remains.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func requireURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", name, raw)
	}
	return nil
}
