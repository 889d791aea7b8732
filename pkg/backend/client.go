// Package backend is the HTTP client for the Zamar backend service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20

	// PathMe is the identity endpoint.
	PathMe = "/api/auth/me"

	// PathAddCredits is the credit-add endpoint called by the webhook receiver.
	PathAddCredits = "/api/stripe/add-credits"

	// HeaderWebhookSecret authenticates server-to-server credit-add calls.
	HeaderWebhookSecret = "x-webhook-secret"

	// HeaderRequestID is propagated from the inbound request.
	HeaderRequestID = "X-Request-ID"
)

// ErrNotConfigured is returned by New when the base URL is missing
var ErrNotConfigured = errors.New("backend base URL not configured")

// Config holds backend client settings.
type Config struct {
	// BaseURL of the backend, e.g. "https://api.zamar.app".
	BaseURL string

	// WebhookSecret is sent as x-webhook-secret on credit-add calls.
	WebhookSecret string

	// HTTPClient is optional (default: 10s timeout).
	HTTPClient *http.Client

	Metrics zamar.Metrics
	Logger  zamar.Logger
}

// Response is a backend reply relayed verbatim.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client calls the Zamar backend. It holds no per-user state and is safe for concurrent use.
type Client struct {
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	metrics       zamar.Metrics
	logger        zamar.Logger
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	return &Client{
		baseURL:       base,
		webhookSecret: cfg.WebhookSecret,
		httpClient:    httpClient,
		metrics:       zamar.MetricsOrNoop(cfg.Metrics),
		logger:        zamar.LoggerOrNoop(cfg.Logger),
	}, nil
}

// Me resolves the caller identity for authHeader.
// A non-2xx reply is returned as *zamar.UpstreamError.
func (c *Client) Me(ctx context.Context, authHeader string) (*zamar.User, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, zamar.ErrUnauthorized
	}

	res, err := c.do(ctx, http.MethodGet, PathMe, PathMe, http.Header{zamar.HeaderAuthorization: {authHeader}}, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, &zamar.UpstreamError{Status: res.Status, Body: res.Body}
	}

	var envelope struct {
		User *zamar.User `json:"user"`
	}
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse identity: %w", err)
	}
	if envelope.User != nil {
		return envelope.User, nil
	}

	// Some deployments return the user object at the top level.
	var user zamar.User
	if err := json.Unmarshal(res.Body, &user); err != nil {
		return nil, fmt.Errorf("failed to parse identity: %w", err)
	}
	return &user, nil
}

// AddCredits asks the backend to grant credits. It is the only path that mutates balances.
func (c *Client) AddCredits(ctx context.Context, grant zamar.CreditGrant) error {
	body, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("failed to encode grant: %w", err)
	}

	header := http.Header{"Content-Type": {"application/json"}}
	header.Set(HeaderWebhookSecret, c.webhookSecret)

	res, err := c.do(ctx, http.MethodPost, PathAddCredits, PathAddCredits, header, body)
	if err != nil {
		return err
	}
	if !res.OK() {
		return &zamar.UpstreamError{Status: res.Status, Body: res.Body}
	}
	return nil
}

// Forward performs a call and returns the reply verbatim.
// Network failures are errors; non-2xx replies are not.
// route is the path template used for metrics.
func (c *Client) Forward(ctx context.Context, method, route, path, authHeader string, body []byte) (*Response, error) {
	header := http.Header{}
	if authHeader != "" {
		header.Set(zamar.HeaderAuthorization, authHeader)
	}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, method, route, path, header, body)
}

func (c *Client) do(ctx context.Context, method, route, path string, header http.Header, body []byte) (*Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if id := zamar.RequestIDFrom(ctx); id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	c.metrics.RecordBackendCallDuration(route, time.Since(start))
	if err != nil {
		c.metrics.RecordBackendCall(route, "error")
		c.logger.Warn("backend call failed",
			zamar.F("method", method),
			zamar.F("route", route),
			zamar.F("error", err))
		return nil, fmt.Errorf("backend %s %s: %w", method, route, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordBackendCall(route, "error")
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.metrics.RecordBackendCall(route, strconv.Itoa(res.StatusCode))

	return &Response{
		Status: res.StatusCode,
		Header: res.Header,
		Body:   data,
	}, nil
}
