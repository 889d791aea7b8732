package langgraph

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleStream = "event: metadata\n" +
	"data: {\"run_id\":\"r1\"}\n\n" +
	"event: values\n" +
	"data: {\"messages\":[{\"type\":\"human\",\"content\":\"find amazing grace\"}]}\n\n" +
	"event: values\n" +
	"data: {\"messages\":[{\"type\":\"human\",\"content\":\"find amazing grace\"},{\"type\":\"ai\",\"content\":\"searching\"}]}\n\n" +
	"data: not json\n\n" +
	"event: values\n" +
	"data: {\"messages\":[{\"type\":\"human\",\"content\":\"x\"},{\"type\":\"ai\",\"content\":\"Amazing Grace, verse 1\"}]}\n\n" +
	"event: values\n" +
	"data: {\"messages\":[{\"type\":\"ai\",\"content\":\"Amazing Grace, verse 1\"},{\"type\":\"tool\",\"content\":\"lookup\"}]}\n\n"

type agentServer struct {
	*httptest.Server
	apiKey   string
	lastPath string
	lastBody map[string]interface{}
	status   int
	stream   string
}

func newAgentServer(t *testing.T) *agentServer {
	t.Helper()
	a := &agentServer{status: http.StatusOK, stream: sampleStream}
	a.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.apiKey = r.Header.Get("x-api-key")
		a.lastPath = r.URL.EscapedPath()
		body, _ := io.ReadAll(r.Body)
		a.lastBody = nil
		_ = json.Unmarshal(body, &a.lastBody)

		w.WriteHeader(a.status)
		if strings.HasSuffix(r.URL.Path, "/runs/stream") {
			_, _ = io.WriteString(w, a.stream)
			return
		}
		_, _ = io.WriteString(w, `{"thread_id":"th_1","status":"idle"}`)
	}))
	t.Cleanup(a.Close)
	return a
}

func newRouter(t *testing.T, baseURL string) http.Handler {
	t.Helper()
	h, err := New(Config{URL: baseURL, APIKey: "key-1"})
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func TestLastAIMessage(t *testing.T) {
	assert.Equal(t, "Amazing Grace, verse 1", LastAIMessage([]byte(sampleStream)))
	assert.Equal(t, "", LastAIMessage([]byte("data: {\"messages\":[]}\n")))
	assert.Equal(t, "", LastAIMessage(nil))
	assert.Equal(t, "ok", LastAIMessage([]byte("data: {\"messages\":[{\"type\":\"ai\",\"content\":\"ok\"}]}\r\n")))
}

func TestLastAIMessage_LongLines(t *testing.T) {
	history := strings.Repeat("la ", 2<<20)
	stream := "data: {\"messages\":[{\"type\":\"ai\",\"content\":\"" + history + "\"}]}\n\n" +
		"data: {\"messages\":[{\"type\":\"ai\",\"content\":\"final answer\"}]}\n"
	assert.Equal(t, "final answer", LastAIMessage([]byte(stream)))

	noNewline := "data: {\"messages\":[{\"type\":\"ai\",\"content\":\"tail\"}]}"
	assert.Equal(t, "tail", LastAIMessage([]byte(noNewline)))
}

func TestSendMessage_ReplyTooLarge(t *testing.T) {
	agent := newAgentServer(t)
	h, err := New(Config{URL: agent.URL, MaxStreamBytes: 64})
	require.NoError(t, err)
	router := chi.NewRouter()
	h.Register(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Route, strings.NewReader(`{"thread_id":"th_1","message":"hi"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to send message"}`, rec.Body.String())
}

func TestNew_Defaults(t *testing.T) {
	h, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, h.baseURL)
	assert.Equal(t, DefaultAPIKey, h.apiKey)

	_, err = New(Config{URL: "not a url"})
	assert.Error(t, err)
}

func TestCreateThread(t *testing.T) {
	agent := newAgentServer(t)
	router := newRouter(t, agent.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Route, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"thread_id":"th_1","status":"idle"}`, rec.Body.String())
	assert.Equal(t, "/threads", agent.lastPath)
	assert.Equal(t, "key-1", agent.apiKey)
	assert.Empty(t, agent.lastBody)
}

func TestCreateThread_UpstreamFailure(t *testing.T) {
	agent := newAgentServer(t)
	agent.status = http.StatusBadGateway
	router := newRouter(t, agent.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Route, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to create thread"}`, rec.Body.String())
}

func TestSendMessage(t *testing.T) {
	agent := newAgentServer(t)
	router := newRouter(t, agent.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, Route, strings.NewReader(`{"thread_id":"th_1","message":"find amazing grace"}`))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Amazing Grace, verse 1", resp.Message)
	assert.Equal(t, sampleStream, resp.Raw)

	assert.Equal(t, "/threads/th_1/runs/stream", agent.lastPath)
	assert.Equal(t, "cerebras_zamar", agent.lastBody["assistant_id"])
	assert.Equal(t, []interface{}{"values"}, agent.lastBody["stream_mode"])
	assert.Equal(t, map[string]interface{}{"recursion_limit": float64(100)}, agent.lastBody["config"])
	assert.Equal(t, map[string]interface{}{
		"messages": []interface{}{map[string]interface{}{"type": "human", "content": "find amazing grace"}},
	}, agent.lastBody["input"])
}

func TestSendMessage_CustomAssistant(t *testing.T) {
	agent := newAgentServer(t)
	router := newRouter(t, agent.URL)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, Route, strings.NewReader(`{"thread_id":"th_1","message":"hi","assistant_id":"other"}`))
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other", agent.lastBody["assistant_id"])
}

func TestSendMessage_Missing(t *testing.T) {
	agent := newAgentServer(t)
	router := newRouter(t, agent.URL)

	for _, body := range []string{`{"message":"hi"}`, `{"thread_id":"th_1"}`, `{"thread_id":"","message":""}`, ``} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Route, strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.JSONEq(t, `{"error":"Missing thread_id or message"}`, rec.Body.String())
	}
}

func TestSendMessage_Failures(t *testing.T) {
	agent := newAgentServer(t)
	router := newRouter(t, agent.URL)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Route, strings.NewReader(`{bad`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to send message"}`, rec.Body.String())

	agent.status = http.StatusInternalServerError
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, Route, strings.NewReader(`{"thread_id":"th_1","message":"hi"}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Failed to send message"}`, rec.Body.String())
}
