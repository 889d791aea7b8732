// Package account serves the end-user billing routes. Calls run with the
// caller's effective credentials, so an admin impersonating a user acts as
// that user.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/backend"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	pathPaymentMethods = "/api/stripe/payment-methods"
	pathAutoReload     = "/api/stripe/auto-reload"
	pathSetupIntent    = "/api/stripe/setup-intent"
	pathConfirmSetup   = "/api/stripe/confirm-setup"
	pathReload         = "/api/stripe/reload"
	pathBilling        = "/api/account/billing"
)

// Backend is the subset of the backend client used by account routes.
type Backend interface {
	Me(ctx context.Context, authHeader string) (*zamar.User, error)
	Forward(ctx context.Context, method, route, path, authHeader string, body []byte) (*backend.Response, error)
}

// Config configures the account handler.
type Config struct {
	Backend Backend
	Metrics zamar.Metrics
	Logger  zamar.Logger
}

// Handler serves the account routes.
type Handler struct {
	backend Backend
	metrics zamar.Metrics
	logger  zamar.Logger
}

// NewHandler creates the account handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Backend == nil {
		return nil, errors.New("account: backend is required")
	}
	return &Handler{
		backend: cfg.Backend,
		metrics: zamar.MetricsOrNoop(cfg.Metrics),
		logger:  zamar.LoggerOrNoop(cfg.Logger),
	}, nil
}

// Register mounts the account routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Get(pathPaymentMethods, h.forward(pathPaymentMethods, nil))
	r.Delete(pathPaymentMethods+"/{id}", h.forward(pathPaymentMethods+"/{id}", nil))
	r.Get(pathAutoReload, h.forward(pathAutoReload, nil))
	r.Put(pathAutoReload, h.forward(pathAutoReload, validated(func() interface{} { return &autoReloadRequest{} })))
	r.Post(pathSetupIntent, h.forward(pathSetupIntent, jsonBody))
	r.Post(pathConfirmSetup, h.forward(pathConfirmSetup, validated(func() interface{} { return &confirmSetupRequest{} })))
	r.Post(pathReload, h.forward(pathReload, jsonBody))
	r.Get(pathBilling, h.Billing)
}

type autoReloadRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type confirmSetupRequest struct {
	SetupIntentID   string `json:"setup_intent_id" validate:"required"`
	PaymentMethodID string `json:"payment_method_id" validate:"required"`
}

// bodyFunc checks the inbound body; a non-empty message means 400.
type bodyFunc func(body []byte) (out []byte, badRequest string, missing []string, err error)

func jsonBody(body []byte) ([]byte, string, []string, error) {
	if len(body) == 0 {
		return []byte("{}"), "", nil, nil
	}
	if !json.Valid(body) {
		return nil, "", nil, errors.New("request body is not valid JSON")
	}
	return body, "", nil, nil
}

func validated(newReq func() interface{}) bodyFunc {
	return func(body []byte) ([]byte, string, []string, error) {
		err := httpx.DecodeAndValidate(body, newReq())
		if err == nil {
			return body, "", nil, nil
		}
		var verr *httpx.ValidationError
		if errors.As(err, &verr) {
			return nil, "Missing required fields", verr.Missing(), nil
		}
		// A field of the wrong JSON type is a client error too.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, "Invalid " + typeErr.Field, nil, nil
		}
		return nil, "", nil, err
	}
}

func (h *Handler) forward(route string, check bodyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		creds := zamar.RequestCredentials(r)
		auth := creds.Effective()
		if auth == "" {
			h.write(w, route, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}

		var body []byte
		if check != nil {
			raw, err := httpx.ReadBody(w, r, httpx.DefaultBodyLimit)
			if err != nil {
				h.fail(w, route, err)
				return
			}
			out, msg, missing, err := check(raw)
			if err != nil {
				h.fail(w, route, err)
				return
			}
			if msg != "" {
				resp := map[string]interface{}{"error": msg}
				if len(missing) > 0 {
					resp["missing"] = missing
				}
				h.write(w, route, http.StatusBadRequest, resp)
				return
			}
			body = out
		}

		path := route
		if id := chi.URLParam(r, "id"); id != "" {
			path = pathPaymentMethods + "/" + url.PathEscape(id)
		}

		res, err := h.backend.Forward(r.Context(), r.Method, route, path, auth, body)
		if err != nil {
			h.fail(w, route, err)
			return
		}
		status := res.Status
		if res.OK() {
			status = http.StatusOK
		}
		h.metrics.RecordProxyRequest(route, status)
		httpx.WriteRaw(w, status, res.Header.Get("Content-Type"), res.Body)
	}
}

// BillingSummary is the combined view served by GET /api/account/billing.
// Parts the backend could not provide are null.
type BillingSummary struct {
	User           *zamar.User               `json:"user"`
	PaymentMethods []zamar.PaymentMethod     `json:"payment_methods"`
	AutoReload     *zamar.AutoReloadSettings `json:"auto_reload"`
}

// Billing fetches the user, saved cards and auto-reload settings concurrently.
func (h *Handler) Billing(w http.ResponseWriter, r *http.Request) {
	auth := zamar.RequestCredentials(r).Effective()
	if auth == "" {
		h.write(w, pathBilling, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	summary, err := h.summary(r.Context(), auth)
	if err != nil {
		if errors.Is(err, zamar.ErrUnauthorized) {
			h.write(w, pathBilling, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		h.fail(w, pathBilling, err)
		return
	}
	h.write(w, pathBilling, http.StatusOK, summary)
}

func (h *Handler) summary(ctx context.Context, auth string) (*BillingSummary, error) {
	var (
		g       errgroup.Group
		summary BillingSummary
	)

	g.Go(func() error {
		user, err := h.backend.Me(ctx, auth)
		if err != nil {
			return h.partFailed("user", err)
		}
		summary.User = user
		return nil
	})

	g.Go(func() error {
		var out struct {
			PaymentMethods []zamar.PaymentMethod `json:"payment_methods"`
		}
		if err := h.getJSON(ctx, pathPaymentMethods, auth, &out); err != nil {
			return h.partFailed("payment_methods", err)
		}
		summary.PaymentMethods = out.PaymentMethods
		if summary.PaymentMethods == nil {
			summary.PaymentMethods = []zamar.PaymentMethod{}
		}
		return nil
	})

	g.Go(func() error {
		var settings zamar.AutoReloadSettings
		if err := h.getJSON(ctx, pathAutoReload, auth, &settings); err != nil {
			return h.partFailed("auto_reload", err)
		}
		summary.AutoReload = &settings
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &summary, nil
}

// partFailed keeps only 401 as a summary-level failure.
func (h *Handler) partFailed(part string, err error) error {
	if errors.Is(err, zamar.ErrUnauthorized) {
		return zamar.ErrUnauthorized
	}
	h.logger.Warn("billing summary part unavailable", zamar.F("part", part), zamar.F("error", err))
	return nil
}

func (h *Handler) getJSON(ctx context.Context, path, auth string, v interface{}) error {
	res, err := h.backend.Forward(ctx, http.MethodGet, path, path, auth, nil)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &zamar.UpstreamError{Status: res.Status, Body: res.Body}
	}
	return json.Unmarshal(res.Body, v)
}

func (h *Handler) write(w http.ResponseWriter, route string, status int, v interface{}) {
	h.metrics.RecordProxyRequest(route, status)
	_ = httpx.WriteJSON(w, status, v)
}

func (h *Handler) fail(w http.ResponseWriter, route string, err error) {
	h.logger.Error("account proxy failed", zamar.F("route", route), zamar.F("error", err))
	h.write(w, route, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}
