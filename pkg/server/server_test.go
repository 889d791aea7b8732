package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v83"

	"github.com/zamar-app/gateway/pkg/billing"
	"github.com/zamar-app/gateway/pkg/zamar"
	"github.com/zamar-app/gateway/storage/memory"
)

type fakeSessions struct{}

func (fakeSessions) Create(_ context.Context, _ *stripego.CheckoutSessionCreateParams) (*stripego.CheckoutSession, error) {
	return &stripego.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

func (fakeSessions) Retrieve(_ context.Context, id string, _ *stripego.CheckoutSessionRetrieveParams) (*stripego.CheckoutSession, error) {
	return &stripego.CheckoutSession{ID: id, PaymentStatus: stripego.CheckoutSessionPaymentStatusPaid}, nil
}

type fakeBackend struct {
	*httptest.Server
	requestIDs chan string
	grants     int32
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	f := &fakeBackend{requestIDs: make(chan string, 16)}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case f.requestIDs <- r.Header.Get("X-Request-ID"):
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/auth/me":
			switch r.Header.Get("Authorization") {
			case "Bearer admin-tok":
				_, _ = io.WriteString(w, `{"user":{"id":"u-admin","email":"ops@zamar.app","role":"admin"}}`)
			case "Bearer user-tok":
				_, _ = io.WriteString(w, `{"user":{"id":"u-1","email":"user@zamar.app","role":"user"}}`)
			default:
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = io.WriteString(w, `{"error":"Unauthorized"}`)
			}
		case "/api/admin/users":
			_, _ = io.WriteString(w, `{"users":[]}`)
		case "/api/stripe/add-credits":
			atomic.AddInt32(&f.grants, 1)
			_, _ = io.WriteString(w, `{"success":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not found"}`)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *fakeBackend) {
	t.Helper()
	be := newFakeBackend(t)
	cfg := Config{
		BackendURL:          be.URL,
		WebURL:              "https://zamar.test",
		StripeSessions:      fakeSessions{},
		StripeWebhookSecret: "whsec_test",
		AllowedOrigins:      []string{"https://zamar.test"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s, be
}

func do(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{BackendURL: "https://api.zamar.test", WebURL: "https://zamar.test", StripeSecretKey: "sk_test"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"admin"}, cfg.AdminRoles)
	assert.Equal(t, "zamar", cfg.MetricsNamespace)
	assert.NotNil(t, cfg.Registry)
	assert.NotNil(t, cfg.Logger)

	bad := []Config{
		{WebURL: "https://zamar.test", StripeSecretKey: "sk"},
		{BackendURL: "api.zamar.test", WebURL: "https://zamar.test", StripeSecretKey: "sk"},
		{BackendURL: "https://api.zamar.test", StripeSecretKey: "sk"},
		{BackendURL: "https://api.zamar.test", WebURL: "https://zamar.test"},
	}
	for i := range bad {
		assert.Error(t, bad[i].Validate(), "config %d", i)
	}
}

func TestConfig_AdminPolicy(t *testing.T) {
	cfg := Config{AdminRoles: []string{"admin"}, AdminEmail: "owner@zamar.app"}
	policy := cfg.AdminPolicy()

	assert.True(t, policy.IsAdmin(&zamar.User{Role: "admin"}))
	assert.True(t, policy.IsAdmin(&zamar.User{Email: "owner@zamar.app"}))
	assert.False(t, policy.IsAdmin(&zamar.User{Email: "Owner@zamar.app"}))
	assert.False(t, policy.IsAdmin(&zamar.User{Role: "user"}))
}

func TestConfig_AdminEmailOnly(t *testing.T) {
	cfg := Config{
		BackendURL:      "https://api.zamar.test",
		WebURL:          "https://zamar.test",
		StripeSecretKey: "sk_test",
		AdminEmail:      "boss@zamar.app",
	}
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.AdminRoles)

	policy := cfg.AdminPolicy()
	assert.True(t, policy.IsAdmin(&zamar.User{Email: "boss@zamar.app", Role: "user"}))
	assert.False(t, policy.IsAdmin(&zamar.User{Email: "ops@zamar.app", Role: "admin"}))

	off := Config{
		BackendURL:      "https://api.zamar.test",
		WebURL:          "https://zamar.test",
		StripeSecretKey: "sk_test",
		AdminRoles:      []string{},
	}
	assert.Error(t, off.Validate())
}

func TestAdminEmailOnly_RoleAdminRejected(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.AdminEmail = "boss@zamar.app" })

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer admin-tok")
	rec := do(s, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Forbidden - Admin access only"}`, rec.Body.String())
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseList(" a, ,b,"))
	assert.Nil(t, ParseList(""))
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	// Generate one admin check so the gateway series exist.
	do(s, httptest.NewRequest(http.MethodGet, "/api/admin/users", nil))

	rec = do(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "zamar_gateway_admin_checks_total")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRequestID_PropagatedToBackend(t *testing.T) {
	s, be := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer admin-tok")
	req.Header.Set("X-Request-ID", "req-123")
	rec := do(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-123", <-be.requestIDs)
	assert.Equal(t, "req-123", <-be.requestIDs)
}

func TestRequestID_Generated(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(s, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec = do(s, req)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func preflight(s *Server, path, origin, method string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, path, nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", method)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type, X-Impersonation-Token")
	return do(s, req)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		path   string
		method string
	}{
		{"checkout", "/api/stripe/checkout", http.MethodPost},
		{"credits patch", "/api/admin/users/u1/credits", http.MethodPatch},
		{"song delete", "/api/admin/songs/s1", http.MethodDelete},
		{"auto-reload put", "/api/account/auto-reload", http.MethodPut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := preflight(s, tt.path, "https://zamar.test", tt.method)
			assert.Less(t, rec.Code, 300)
			assert.Equal(t, "https://zamar.test", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), tt.method)
			assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Impersonation-Token")
			assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}

	rec := preflight(s, "/api/stripe/checkout", "https://evil.test", http.MethodPost)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = do(s, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://zamar.test")
	rec = do(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://zamar.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_WildcardWithoutCredentials(t *testing.T) {
	s, _ := newTestServer(t, func(c *Config) { c.AllowedOrigins = []string{"*"} })

	rec := preflight(s, "/api/admin/users/u1/credits", "https://anywhere.test", http.MethodPatch)
	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRoutesMounted(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := do(s, httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/stripe/verify", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Missing session_id"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/checkout",
		strings.NewReader(`{"price_id":"price_1","credits_amount":100}`))
	req.Header.Set("Authorization", "Bearer user-tok")
	rec = do(s, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"url":"https://checkout.stripe.test/cs_test"}`, rec.Body.String())

	rec = do(s, httptest.NewRequest(http.MethodGet, "/api/stripe/payment-methods", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/users", nil)
	req.Header.Set("Authorization", "Bearer user-tok")
	rec = do(s, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFailureRoutes(t *testing.T) {
	ledger := memory.New(0)
	s, be := newTestServer(t, func(c *Config) { c.Ledger = ledger })
	ctx := context.Background()

	require.NoError(t, ledger.RecordFailure(ctx, billing.FailedGrant{
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		Grant:     zamar.CreditGrant{UserID: "u-1", CreditsAmount: 100, StripeSessionID: "cs_1"},
		Error:     "backend down",
		FailedAt:  time.Now(),
	}))

	rec := do(s, httptest.NewRequest(http.MethodGet, "/api/admin/credit-failures", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	admin := func(method, path string) *http.Request {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer admin-tok")
		return req
	}

	rec = do(s, admin(http.MethodGet, "/api/admin/credit-failures"))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Failures []billing.FailedGrant `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Failures, 1)
	assert.Equal(t, "evt_1", body.Failures[0].EventID)

	rec = do(s, admin(http.MethodPost, "/api/admin/credit-failures/evt_1/replay"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&be.grants))

	failures, err := ledger.ListFailures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)

	rec = do(s, admin(http.MethodPost, "/api/admin/credit-failures/evt_1/replay"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(s, admin(http.MethodDelete, "/api/admin/credit-failures/evt_1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFailureRoutes_NotMountedWithoutLedger(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/credit-failures", nil)
	req.Header.Set("Authorization", "Bearer admin-tok")
	rec := do(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecoverer(t *testing.T) {
	handler := recoverer(&zamar.NoopLogger{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
