package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentstream/internal/agent"
	"agentstream/internal/client"
	"agentstream/internal/config"
	"agentstream/internal/metrics"
	"agentstream/internal/sse"
	"agentstream/internal/stream"
)

type agentFunc func(ctx context.Context, history []agent.Message) (stream.Source, error)

func (f agentFunc) Stream(ctx context.Context, history []agent.Message) (stream.Source, error) {
	return f(ctx, history)
}

type failingSource struct{ err error }

func (s failingSource) Next(context.Context) (any, error) { return nil, s.err }

func newTestApp(t *testing.T, d Deps) *App {
	t.Helper()
	if d.Agent == nil {
		d.Agent = agent.Echo{NewRunID: func() string { return "run-1" }}
	}
	return NewApp(d)
}

func do(app *App, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpointsSupportHEAD(t *testing.T) {
	app := newTestApp(t, Deps{})

	for _, path := range []string{"/healthz", "/readyz"} {
		for _, method := range []string{http.MethodGet, http.MethodHead} {
			rec := do(app, method, path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("expected %s %s status 200, got %d", method, path, rec.Code)
			}
		}
	}
}

func TestHealthReportsEnvironment(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for strategy, env := range map[stream.Strategy]string{stream.StrategyPaced: "edge", stream.StrategyDirect: "server"} {
		app := newTestApp(t, Deps{Builder: stream.NewBuilder(strategy), Now: func() time.Time { return now }})
		rec := do(app, http.MethodGet, "/health", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, map[string]any{"status": "healthy", "timestamp": "2025-03-01T12:00:00Z", "environment": env}, body)
	}
}

func TestIndexServesHTML(t *testing.T) {
	rec := do(newTestApp(t, Deps{}), http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "POST /api/stream")
}

func TestPreflight(t *testing.T) {
	rec := do(newTestApp(t, Deps{}), http.MethodOptions, StreamPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	h := rec.Header()
	assert.Equal(t, "*", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", h.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "86400", h.Get("Access-Control-Max-Age"))
	assert.Empty(t, rec.Body.String())
}

func TestStreamRejectsOtherMethods(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rec := do(newTestApp(t, Deps{}), method, StreamPath, "")
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Method not allowed", strings.TrimSpace(rec.Body.String()))
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	rec := do(newTestApp(t, Deps{}), http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Not Found", strings.TrimSpace(rec.Body.String()))
}

func TestStreamValidation(t *testing.T) {
	cases := map[string]string{
		`{}`:                   "Invalid request: messages array required",
		`{"messages":"hi"}`:    "Invalid request: messages array required",
		`{"messages":null}`:    "Invalid request: messages array required",
		`{"messages":{"a":1}}`: "Invalid request: messages array required",
		`not json`:             "Invalid request: body must be a JSON object",
		`[]`:                   "Invalid request: body must be a JSON object",
	}
	for body, want := range cases {
		rec := do(newTestApp(t, Deps{}), http.MethodPost, StreamPath, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"), body)
		var got map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got), body)
		assert.Equal(t, map[string]any{"error": want}, got, body)
	}
}

func TestStreamEchoesLastUserMessage(t *testing.T) {
	for _, strategy := range []stream.Strategy{stream.StrategyDirect, stream.StrategyPaced} {
		app := newTestApp(t, Deps{Builder: stream.NewBuilder(strategy)})
		rec := do(app, http.MethodPost, StreamPath, `{"messages":[{"role":"user","content":"hello there"}]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, sse.ContentTypeEventStream, rec.Header().Get("Content-Type"))
		assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
		want := `data: {"type":"text-delta","runId":"run-1","from":"agent","payload":{"text":"hello"}}` + "\n\n" +
			`data: {"type":"text-delta","runId":"run-1","from":"agent","payload":{"text":"there"}}` + "\n\n" +
			`data: {"type":"finish","runId":"run-1","from":"agent","payload":{"reason":"stop","words":2}}` + "\n\n" +
			"data: [DONE]\n\n"
		assert.Equal(t, want, rec.Body.String(), strategy)
	}
}

func TestStreamAgentFailureBeforeFirstFrame(t *testing.T) {
	rec := do(newTestApp(t, Deps{}), http.MethodPost, StreamPath, `{"messages":[]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]any{"error": "Streaming failed", "message": agent.ErrNoUserMessage.Error()}, got)
}

func TestStreamSourceFailureBeforeFirstFrame(t *testing.T) {
	app := newTestApp(t, Deps{Agent: agentFunc(func(context.Context, []agent.Message) (stream.Source, error) {
		return failingSource{err: errors.New("model unavailable")}, nil
	})})
	rec := do(app, http.MethodPost, StreamPath, `{"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message":"model unavailable"`)
}

func TestPanicBecomesInternalServerError(t *testing.T) {
	app := newTestApp(t, Deps{Agent: agentFunc(func(context.Context, []agent.Message) (stream.Source, error) {
		panic("boom")
	})})
	rec := do(app, http.MethodPost, StreamPath, `{"messages":[]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]any{"error": "Internal server error", "message": "boom"}, got)
}

func TestRequestIDHeader(t *testing.T) {
	app := newTestApp(t, Deps{})
	rec := do(app, http.MethodGet, "/healthz", "")
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := config.Default()
	m := metrics.NewCollector()
	app := newTestApp(t, Deps{
		Config:  cfg,
		Metrics: m,
		Builder: stream.NewBuilder(stream.StrategyDirect, stream.WithMetrics(m)),
	})
	require.Equal(t, http.StatusOK, do(app, http.MethodPost, StreamPath, `{"messages":[{"role":"user","content":"a b"}]}`).Code)

	rec := do(app, http.MethodGet, cfg.Metrics.Path, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `agentstream_streams_total{outcome="completed",strategy="direct"} 1`)
	assert.Contains(t, body, `agentstream_frames_total{strategy="direct"} 3`)
	assert.Contains(t, body, `agentstream_http_requests_total{method="POST",path="/api/stream",status="200"} 1`)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	app := newTestApp(t, Deps{Config: cfg, Metrics: metrics.NewCollector()})
	assert.Equal(t, http.StatusNotFound, do(app, http.MethodGet, cfg.Metrics.Path, "").Code)
}

func TestClientAgainstServer(t *testing.T) {
	app := newTestApp(t, Deps{Builder: stream.NewBuilder(stream.StrategyPaced)})
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	var texts []string
	var completes int
	c := client.New(client.Options{
		URL: srv.URL + StreamPath,
		OnMessage: func(m sse.Message) {
			if p, ok := m.Payload.(map[string]any); ok && m.Type == "text-delta" {
				texts = append(texts, p["text"].(string))
			}
		},
		OnError:    func(err error) { t.Errorf("unexpected error: %v", err) },
		OnComplete: func() { completes++ },
	})
	st := c.Stream(context.Background(), []client.ChatMessage{{Role: "user", Content: "the tower card, reversed"}})
	require.Equal(t, client.StateCompleted, st)
	assert.Equal(t, []string{"the", "tower", "card,", "reversed"}, texts)
	assert.Equal(t, 1, completes)
}

func TestClientSeesAgentFailureAsStatusError(t *testing.T) {
	srv := httptest.NewServer(newTestApp(t, Deps{}).Router)
	defer srv.Close()

	var errs []error
	c := client.New(client.Options{URL: srv.URL + StreamPath, OnError: func(err error) { errs = append(errs, err) }})
	st := c.Stream(context.Background(), nil)
	require.Equal(t, client.StateFailed, st)
	require.Len(t, errs, 1)
	var se *client.StatusError
	require.ErrorAs(t, errs[0], &se)
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestRequestBodyTooLarge(t *testing.T) {
	body := `{"messages":[{"role":"user","content":"` + strings.Repeat("x", maxRequestBody) + `"}]}`
	rec := do(newTestApp(t, Deps{}), http.MethodPost, StreamPath, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	b, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(b), "body too large")
}
