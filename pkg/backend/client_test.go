package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zamar-app/gateway/pkg/zamar"
)

type recordingMetrics struct {
	zamar.NoopMetrics
	calls []string
}

func (m *recordingMetrics) RecordBackendCall(endpoint, status string) {
	m.calls = append(m.calls, endpoint+" "+status)
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL + "/", WebhookSecret: "whsec"}
	for _, o := range opts {
		o(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMe_ForwardsAuthorization(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathMe, r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		assert.Equal(t, "req-1", r.Header.Get(HeaderRequestID))
		_, _ = w.Write([]byte(`{"user":{"_id":"u1","email":"a@b.c","credits":{"count":40}}}`))
	})

	ctx := zamar.WithRequestID(context.Background(), "req-1")
	user, err := c.Me(ctx, "Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Equal(t, "a@b.c", user.Email)
	require.NotNil(t, user.Credits)
	assert.Equal(t, int64(40), user.Credits.Count)
}

func TestMe_TopLevelUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"u2","email":"x@y.z"}`))
	})

	user, err := c.Me(context.Background(), "Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "u2", user.ID)
}

func TestMe_Unauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad token"}`))
	})

	_, err := c.Me(context.Background(), "Bearer bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, zamar.ErrUnauthorized))

	var upErr *zamar.UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.JSONEq(t, `{"error":"bad token"}`, string(upErr.Body))
}

func TestMe_EmptyHeader(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.Me(context.Background(), "")
	assert.ErrorIs(t, err, zamar.ErrUnauthorized)
	assert.False(t, called)
}

func TestAddCredits(t *testing.T) {
	var got zamar.CreditGrant
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathAddCredits, r.URL.Path)
		assert.Equal(t, "whsec", r.Header.Get(HeaderWebhookSecret))
		assert.Empty(t, r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	})

	err := c.AddCredits(context.Background(), zamar.CreditGrant{
		UserID:                "u1",
		CreditsAmount:         1000,
		StripeSessionID:       "cs_1",
		StripePaymentIntentID: "pi_1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.CreditsAmount)
	assert.Equal(t, "pi_1", got.StripePaymentIntentID)
}

func TestAddCredits_UpstreamFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := c.AddCredits(context.Background(), zamar.CreditGrant{UserID: "u1", CreditsAmount: 1})
	var upErr *zamar.UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusInternalServerError, upErr.Status)
}

func TestForward_RelaysNon2xx(t *testing.T) {
	metrics := &recordingMetrics{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"User not found"}`))
	}, func(cfg *Config) { cfg.Metrics = metrics })

	res, err := c.Forward(context.Background(), http.MethodPatch, "/api/admin/users/{userId}/credits",
		"/api/admin/users/u1/credits", "Bearer abc", []byte(`{"amount":5}`))
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.JSONEq(t, `{"error":"User not found"}`, string(res.Body))
	assert.Equal(t, []string{"/api/admin/users/{userId}/credits 404"}, metrics.calls)
}

func TestForward_NetworkError(t *testing.T) {
	c, err := New(Config{
		BaseURL:    "http://127.0.0.1:1",
		HTTPClient: &http.Client{Timeout: 200 * time.Millisecond},
	})
	require.NoError(t, err)

	_, err = c.Forward(context.Background(), http.MethodGet, "/x", "/x", "", nil)
	assert.Error(t, err)
}
