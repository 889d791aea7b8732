package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/backend"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	msgInternalError = "Internal server error"
	msgInvalidAmount = "Invalid amount"
)

// Forwarder sends a call to the backend and returns its reply verbatim.
type Forwarder interface {
	Forward(ctx context.Context, method, route, path, authHeader string, body []byte) (*backend.Response, error)
}

// Config configures the admin route handler.
type Config struct {
	Gate    *Gate
	Backend Forwarder
	Metrics zamar.Metrics
	Logger  zamar.Logger
}

// Handler serves the /api/admin routes. Every route re-verifies the caller.
type Handler struct {
	gate    *Gate
	backend Forwarder
	metrics zamar.Metrics
	logger  zamar.Logger
}

// NewHandler creates the admin route handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Gate == nil {
		return nil, errors.New("admin: gate is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("admin: backend is required")
	}
	return &Handler{
		gate:    cfg.Gate,
		backend: cfg.Backend,
		metrics: zamar.MetricsOrNoop(cfg.Metrics),
		logger:  zamar.LoggerOrNoop(cfg.Logger),
	}, nil
}

// prepareFunc validates the inbound body and returns the body to forward.
// A non-nil rejection is written instead of calling the backend.
type prepareFunc func(body []byte) ([]byte, *rejection, error)

type rejection struct {
	status int
	body   interface{}
}

type route struct {
	method  string
	pattern string
	prepare prepareFunc
	success interface{}
}

var routes = []route{
	{method: http.MethodGet, pattern: "/api/admin/users"},
	{method: http.MethodGet, pattern: "/api/admin/users/{userId}"},
	{method: http.MethodDelete, pattern: "/api/admin/users/{userId}",
		success: map[string]interface{}{"success": true, "message": "User deleted successfully"}},
	{method: http.MethodGet, pattern: "/api/admin/users/{userId}/songs"},
	{method: http.MethodPost, pattern: "/api/admin/users/{userId}/songs", prepare: passJSON},
	{method: http.MethodPut, pattern: "/api/admin/users/{userId}/songs/{songId}", prepare: passJSON},
	{method: http.MethodDelete, pattern: "/api/admin/users/{userId}/songs/{songId}",
		success: map[string]bool{"success": true}},
	{method: http.MethodGet, pattern: "/api/admin/users/{userId}/setlists"},
	{method: http.MethodPost, pattern: "/api/admin/users/{userId}/setlists", prepare: passJSON},
	{method: http.MethodPut, pattern: "/api/admin/users/{userId}/setlists/{setlistId}", prepare: passJSON},
	{method: http.MethodDelete, pattern: "/api/admin/users/{userId}/setlists/{setlistId}",
		success: map[string]bool{"success": true}},
	{method: http.MethodPatch, pattern: "/api/admin/users/{userId}/credits", prepare: prepareCredits},
	{method: http.MethodPost, pattern: "/api/admin/users/{userId}/impersonate"},
	{method: http.MethodPost, pattern: "/api/admin/assign-song", prepare: prepareAssignSong},
	{method: http.MethodPost, pattern: "/api/admin/assign-setlist", prepare: prepareAssignSetlist},
	{method: http.MethodGet, pattern: "/api/admin/all-songs"},
	{method: http.MethodGet, pattern: "/api/admin/all-setlists"},
}

// Register mounts the admin routes on r.
func (h *Handler) Register(r chi.Router) {
	for _, rt := range routes {
		r.Method(rt.method, rt.pattern, h.proxy(rt))
	}
}

func (h *Handler) proxy(rt route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		creds := zamar.RequestCredentials(r)

		// Admin routes act as the admin, never as an impersonated user.
		if _, err := h.gate.Authorize(ctx, creds.Authorization); err != nil {
			h.deny(w, rt, err)
			return
		}

		var body []byte
		if rt.prepare != nil {
			raw, err := httpx.ReadBody(w, r, httpx.DefaultBodyLimit)
			if err != nil {
				h.fail(w, rt, err)
				return
			}
			out, rej, err := rt.prepare(raw)
			if err != nil {
				h.fail(w, rt, err)
				return
			}
			if rej != nil {
				h.writeJSON(w, rt, rej.status, rej.body)
				return
			}
			body = out
		}

		res, err := h.backend.Forward(ctx, rt.method, rt.pattern, backendPath(r, rt.pattern), creds.Authorization, body)
		if err != nil {
			h.fail(w, rt, err)
			return
		}

		if !res.OK() {
			h.relay(w, rt, res.Status, res)
			return
		}
		if rt.success != nil {
			h.writeJSON(w, rt, http.StatusOK, rt.success)
			return
		}
		h.relay(w, rt, http.StatusOK, res)
	}
}

func (h *Handler) deny(w http.ResponseWriter, rt route, err error) {
	code, msg := Denial(err)
	h.writeJSON(w, rt, code, map[string]string{"error": msg})
}

func (h *Handler) fail(w http.ResponseWriter, rt route, err error) {
	h.logger.Error("admin proxy failed",
		zamar.F("method", rt.method),
		zamar.F("route", rt.pattern),
		zamar.F("error", err))
	h.writeJSON(w, rt, http.StatusInternalServerError, map[string]string{"error": msgInternalError})
}

func (h *Handler) relay(w http.ResponseWriter, rt route, status int, res *backend.Response) {
	h.metrics.RecordProxyRequest(rt.pattern, status)
	httpx.WriteRaw(w, status, res.Header.Get("Content-Type"), res.Body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, rt route, status int, v interface{}) {
	h.metrics.RecordProxyRequest(rt.pattern, status)
	_ = httpx.WriteJSON(w, status, v)
}

// backendPath fills the route pattern with the escaped URL parameters of r.
func backendPath(r *http.Request, pattern string) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return pattern
	}
	path := pattern
	for i, key := range rctx.URLParams.Keys {
		if i >= len(rctx.URLParams.Values) {
			break
		}
		path = strings.ReplaceAll(path, "{"+key+"}", url.PathEscape(rctx.URLParams.Values[i]))
	}
	return path
}

func passJSON(body []byte) ([]byte, *rejection, error) {
	if len(body) == 0 {
		return []byte("{}"), nil, nil
	}
	if !json.Valid(body) {
		return nil, nil, errors.New("request body is not valid JSON")
	}
	return body, nil, nil
}

func prepareCredits(body []byte) ([]byte, *rejection, error) {
	var req struct {
		Amount    interface{} `json:"amount"`
		Operation interface{} `json:"operation,omitempty"`
	}
	if err := json.Unmarshal(orEmptyObject(body), &req); err != nil {
		return nil, nil, err
	}
	if _, ok := req.Amount.(float64); !ok {
		return nil, &rejection{status: http.StatusBadRequest, body: map[string]string{"error": msgInvalidAmount}}, nil
	}
	out, err := json.Marshal(req)
	return out, nil, err
}

type assignSongRequest struct {
	SongID       string `json:"songId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
}

func prepareAssignSong(body []byte) ([]byte, *rejection, error) {
	var req assignSongRequest
	if rej, err := decodeRequired(body, &req, "songId and targetUserId are required"); rej != nil || err != nil {
		return nil, rej, err
	}
	out, err := json.Marshal(req)
	return out, nil, err
}

type assignSetlistRequest struct {
	SetlistID    string `json:"setlistId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	CopySongs    *bool  `json:"copySongs"`
}

func prepareAssignSetlist(body []byte) ([]byte, *rejection, error) {
	var req assignSetlistRequest
	if rej, err := decodeRequired(body, &req, "setlistId and targetUserId are required"); rej != nil || err != nil {
		return nil, rej, err
	}
	if req.CopySongs == nil {
		copySongs := true
		req.CopySongs = &copySongs
	}
	out, err := json.Marshal(req)
	return out, nil, err
}

func decodeRequired(body []byte, v interface{}, msg string) (*rejection, error) {
	err := httpx.DecodeAndValidate(body, v)
	if err == nil {
		return nil, nil
	}
	var verr *httpx.ValidationError
	if errors.As(err, &verr) {
		return &rejection{
			status: http.StatusBadRequest,
			body:   map[string]interface{}{"error": msg, "missing": verr.Missing()},
		}, nil
	}
	return nil, err
}

func orEmptyObject(body []byte) []byte {
	if len(body) == 0 {
		return []byte("{}")
	}
	return body
}
