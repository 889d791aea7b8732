// Package server assembles the gateway: every route on one chi router with
// request ids, panic recovery, credential extraction, CORS and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zamar-app/gateway/internal/httpx"
	mwhttp "github.com/zamar-app/gateway/middleware/http"
	"github.com/zamar-app/gateway/pkg/account"
	"github.com/zamar-app/gateway/pkg/admin"
	"github.com/zamar-app/gateway/pkg/backend"
	"github.com/zamar-app/gateway/pkg/billing"
	billingprom "github.com/zamar-app/gateway/pkg/billing/metrics/prometheus"
	"github.com/zamar-app/gateway/pkg/billing/stripe"
	"github.com/zamar-app/gateway/pkg/langgraph"
	"github.com/zamar-app/gateway/pkg/zamar"
	zamarprom "github.com/zamar-app/gateway/pkg/zamar/metrics/prometheus"
)

const (
	pathCheckout = "/api/stripe/checkout"
	pathWebhook  = "/api/stripe/webhook"
	pathVerify   = "/api/stripe/verify"
	pathHealth   = "/health"
	pathMetrics  = "/metrics"
)

// Server is an assembled gateway.
type Server struct {
	config  Config
	router  chi.Router
	backend *backend.Client
	gate    *admin.Gate
}

// New validates cfg and builds the router.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := cfg.Logger

	cfg.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := zamarprom.NewMetrics(cfg.Registry, cfg.MetricsNamespace)
	billingMetrics := billingprom.NewMetrics(cfg.Registry, cfg.MetricsNamespace)

	client, err := backend.New(backend.Config{
		BaseURL:       cfg.BackendURL,
		WebhookSecret: cfg.StripeWebhookSecret,
		HTTPClient:    cfg.HTTPClient,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}

	gate, err := admin.NewGate(admin.GateConfig{
		Identity: client,
		Policy:   cfg.AdminPolicy(),
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	adminRoutes, err := admin.NewHandler(admin.Config{Gate: gate, Backend: client, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, err
	}
	accountRoutes, err := account.NewHandler(account.Config{Backend: client, Metrics: metrics, Logger: logger})
	if err != nil {
		return nil, err
	}
	agent, err := langgraph.New(langgraph.Config{
		URL:     cfg.LangGraphURL,
		APIKey:  cfg.LangGraphAPIKey,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	trusted, err := httpx.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			SecretKey:      cfg.StripeSecretKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
			WebURL:         cfg.WebURL,
			Identity:       client,
			Credits:        client,
			Ledger:         cfg.Ledger,
			TrustedProxies: trusted,
			Localizer:      zamar.NewLocalizer(cfg.Locale),
			Metrics:        billingMetrics,
			Logger:         logger,
		},
		Sessions: cfg.StripeSessions,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(propagateRequestID)
	r.Use(recoverer(logger))
	r.Use(accessLog(logger))
	r.Use(mwhttp.Credentials())
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(corsHandler(cfg.AllowedOrigins))
	}

	r.Get(pathHealth, func(w http.ResponseWriter, _ *http.Request) {
		_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle(pathMetrics, promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))

	r.Method(http.MethodPost, pathCheckout, provider.CheckoutHandler())
	r.Method(http.MethodPost, pathWebhook, provider.WebhookHandler())
	r.Method(http.MethodGet, pathVerify, provider.VerifyHandler())

	adminRoutes.Register(r)
	accountRoutes.Register(r)
	agent.Register(r)

	if cfg.Ledger != nil {
		failures := &failureRoutes{ledger: cfg.Ledger, credits: client, logger: logger}
		r.Group(func(r chi.Router) {
			r.Use(mwhttp.RequireAdmin(mwhttp.Config{Gate: gate}))
			failures.Register(r)
		})
	}

	return &Server{config: cfg, router: r, backend: client, gate: gate}, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Gate returns the admin gate, for embedding the gateway in other routers.
func (s *Server) Gate() *admin.Gate {
	return s.gate
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Info("gateway listening", zamar.F("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.config.Logger.Warn("server shutdown error", zamar.F("error", err))
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Run builds the gateway and serves it on cfg.ListenAddr until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(cfg)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}
