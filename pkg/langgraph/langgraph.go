// Package langgraph proxies the lyric-search agent hosted on a LangGraph server.
package langgraph

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zamar-app/gateway/internal/httpx"
	"github.com/zamar-app/gateway/pkg/zamar"
)

const (
	// DefaultURL is the hosted agent deployment.
	DefaultURL = "https://deepagents-langgraph-production.up.railway.app"
	// DefaultAPIKey is the demo key of the hosted deployment.
	DefaultAPIKey = "demo-token"
	// DefaultAssistantID is used when a message names no assistant.
	DefaultAssistantID = "cerebras_zamar"

	// Route is where the proxy is mounted.
	Route = "/api/langgraph"

	headerAPIKey   = "x-api-key"
	recursionLimit = 100
	defaultTimeout = 2 * time.Minute
	maxStreamBytes = 16 << 20

	msgCreateThread = "Failed to create thread"
	msgSendMessage  = "Failed to send message"
	msgMissing      = "Missing thread_id or message"
)

// Config configures the proxy.
type Config struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Metrics    zamar.Metrics
	Logger     zamar.Logger

	// MaxStreamBytes caps an agent reply. Default: 16 MiB.
	MaxStreamBytes int64
}

// ErrStreamTooLarge is returned when an agent reply exceeds MaxStreamBytes.
var ErrStreamTooLarge = errors.New("langgraph: agent reply too large")

// Handler serves GET and POST /api/langgraph.
type Handler struct {
	baseURL   string
	apiKey    string
	client    *http.Client
	maxStream int64
	metrics   zamar.Metrics
	logger    zamar.Logger
}

// New creates the proxy handler. Empty URL and APIKey fall back to the defaults.
func New(cfg Config) (*Handler, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		base = DefaultURL
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("langgraph: invalid url %q: %w", base, err)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = DefaultAPIKey
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	maxStream := cfg.MaxStreamBytes
	if maxStream <= 0 {
		maxStream = maxStreamBytes
	}
	return &Handler{
		baseURL:   base,
		apiKey:    apiKey,
		client:    client,
		maxStream: maxStream,
		metrics:   zamar.MetricsOrNoop(cfg.Metrics),
		logger:    zamar.LoggerOrNoop(cfg.Logger),
	}, nil
}

// Register mounts the proxy on r.
func (h *Handler) Register(r chi.Router) {
	r.Get(Route, h.CreateThread)
	r.Post(Route, h.SendMessage)
}

// CreateThread starts a new agent thread and relays the thread object.
func (h *Handler) CreateThread(w http.ResponseWriter, r *http.Request) {
	body, err := h.post(r.Context(), "/threads", []byte("{}"))
	if err == nil && !json.Valid(body) {
		err = fmt.Errorf("thread response is not JSON")
	}
	if err != nil {
		h.logger.Error("LangGraph thread creation failed", zamar.F("error", err))
		h.fail(w, http.StatusInternalServerError, msgCreateThread)
		return
	}
	h.metrics.RecordProxyRequest(Route, http.StatusOK)
	httpx.WriteRaw(w, http.StatusOK, "application/json", body)
}

// MessageRequest is the body of POST /api/langgraph.
type MessageRequest struct {
	ThreadID    string `json:"thread_id" validate:"required"`
	Message     string `json:"message" validate:"required"`
	AssistantID string `json:"assistant_id"`
}

// MessageResponse carries the final agent reply and the raw event stream.
type MessageResponse struct {
	Message string `json:"message"`
	Raw     string `json:"raw"`
}

type humanMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type runRequest struct {
	Input struct {
		Messages []humanMessage `json:"messages"`
	} `json:"input"`
	AssistantID string   `json:"assistant_id"`
	StreamMode  []string `json:"stream_mode"`
	Config      struct {
		RecursionLimit int `json:"recursion_limit"`
	} `json:"config"`
}

// SendMessage runs the agent on a thread and returns its last reply.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := httpx.ReadBody(w, r, httpx.DefaultBodyLimit)
	if err != nil {
		h.logger.Error("LangGraph message read failed", zamar.F("error", err))
		h.fail(w, http.StatusInternalServerError, msgSendMessage)
		return
	}

	var req MessageRequest
	if err := httpx.DecodeAndValidate(raw, &req); err != nil {
		var verr *httpx.ValidationError
		if errors.As(err, &verr) {
			h.fail(w, http.StatusBadRequest, msgMissing)
			return
		}
		h.logger.Error("LangGraph message decode failed", zamar.F("error", err))
		h.fail(w, http.StatusInternalServerError, msgSendMessage)
		return
	}
	if req.AssistantID == "" {
		req.AssistantID = DefaultAssistantID
	}

	run := runRequest{
		AssistantID: req.AssistantID,
		StreamMode:  []string{"values"},
	}
	run.Input.Messages = []humanMessage{{Type: "human", Content: req.Message}}
	run.Config.RecursionLimit = recursionLimit

	payload, err := json.Marshal(run)
	if err != nil {
		h.fail(w, http.StatusInternalServerError, msgSendMessage)
		return
	}

	stream, err := h.post(r.Context(), "/threads/"+url.PathEscape(req.ThreadID)+"/runs/stream", payload)
	if err != nil {
		h.logger.Error("LangGraph message failed",
			zamar.F("thread_id", req.ThreadID),
			zamar.F("error", err),
		)
		h.fail(w, http.StatusInternalServerError, msgSendMessage)
		return
	}

	h.metrics.RecordProxyRequest(Route, http.StatusOK)
	_ = httpx.WriteJSON(w, http.StatusOK, MessageResponse{
		Message: LastAIMessage(stream),
		Raw:     string(stream),
	})
}

func (h *Handler) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAPIKey, h.apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.maxStream+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxStream {
		return nil, ErrStreamTooLarge
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &zamar.UpstreamError{Status: resp.StatusCode, Body: data}
	}
	return data, nil
}

func (h *Handler) fail(w http.ResponseWriter, code int, msg string) {
	h.metrics.RecordProxyRequest(Route, code)
	httpx.WriteError(w, code, msg)
}

type streamEvent struct {
	Messages []struct {
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// LastAIMessage reads a server-sent event stream and returns the content of
// the last "ai" message ending any event's message list. Lines that are not
// JSON data events are skipped. Lines have no length limit.
func LastAIMessage(stream []byte) string {
	var last string
	reader := bufio.NewReader(bytes.NewReader(stream))
	for {
		line, err := reader.ReadString('\n')
		if content, ok := aiContent(strings.TrimRight(line, "\r\n")); ok {
			last = content
		}
		if err != nil {
			return last
		}
	}
}

func aiContent(line string) (string, bool) {
	if !strings.HasPrefix(line, "data: ") {
		return "", false
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(line[len("data: "):]), &ev); err != nil {
		return "", false
	}
	if len(ev.Messages) == 0 {
		return "", false
	}
	msg := ev.Messages[len(ev.Messages)-1]
	if msg.Type != "ai" {
		return "", false
	}
	var content string
	if err := json.Unmarshal(msg.Content, &content); err != nil || content == "" {
		return "", false
	}
	return content, true
}
