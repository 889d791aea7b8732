package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/zamar-app/gateway/pkg/zamar"
)

type stubGate struct{ adminToken string }

func (g *stubGate) Authorize(_ context.Context, authHeader string) (*zamar.User, error) {
	switch authHeader {
	case "":
		return nil, zamar.ErrUnauthorized
	case "Bearer " + g.adminToken:
		return &zamar.User{ID: "u-admin"}, nil
	default:
		return nil, zamar.ErrForbidden
	}
}

func setupEcho(cfg Config) *echo.Echo {
	e := echo.New()
	e.Use(Credentials())
	e.GET("/admin", func(c echo.Context) error {
		return c.String(http.StatusOK, User(c).ID)
	}, RequireAdmin(cfg))
	e.GET("/whoami", func(c echo.Context) error {
		creds, _ := zamar.CredentialsFrom(c.Request().Context())
		return c.String(http.StatusOK, creds.Effective())
	})
	return e
}

func TestRequireAdmin_Granted(t *testing.T) {
	e := setupEcho(Config{Gate: &stubGate{adminToken: "tok"}})

	req := httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "u-admin" {
		t.Errorf("Expected u-admin, got %s", rec.Body.String())
	}
}

func TestRequireAdmin_Denied(t *testing.T) {
	e := setupEcho(Config{Gate: &stubGate{adminToken: "tok"}})

	tests := []struct {
		auth   string
		status int
		body   string
	}{
		{"", http.StatusUnauthorized, `{"error":"Unauthorized"}`},
		{"Bearer nope", http.StatusForbidden, `{"error":"Forbidden - Admin access only"}`},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
		if tt.auth != "" {
			req.Header.Set("Authorization", tt.auth)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != tt.status {
			t.Errorf("auth %q: expected status %d, got %d", tt.auth, tt.status, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != tt.body {
			t.Errorf("auth %q: expected body %s, got %s", tt.auth, tt.body, got)
		}
	}
}

func TestRequireAdmin_Callbacks(t *testing.T) {
	e := setupEcho(Config{
		Gate:           &stubGate{adminToken: "tok"},
		OnUnauthorized: func(c echo.Context) error { return c.NoContent(http.StatusTeapot) },
		OnForbidden:    func(c echo.Context) error { return c.NoContent(http.StatusNotFound) },
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", http.NoBody))
	if rec.Code != http.StatusTeapot {
		t.Errorf("Expected OnUnauthorized status 418, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected OnForbidden status 404, got %d", rec.Code)
	}
}

func TestCredentials(t *testing.T) {
	e := setupEcho(Config{Gate: &stubGate{}})

	req := httptest.NewRequest(http.MethodGet, "/whoami", http.NoBody)
	req.Header.Set("Authorization", "Bearer me")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != "Bearer me" {
		t.Errorf("Expected Bearer me, got %s", rec.Body.String())
	}
}
