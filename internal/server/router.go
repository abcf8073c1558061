// Package server exposes an Agent over HTTP as an event stream.
package server

import (
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agentstream/internal/agent"
	"agentstream/internal/config"
	"agentstream/internal/metrics"
	"agentstream/internal/stream"
	"agentstream/internal/util"
)

const StreamPath = "/api/stream"

type Deps struct {
	Config  config.Config
	Agent   agent.Agent
	Builder *stream.Builder
	Metrics *metrics.Collector
	Logger  *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type App struct {
	Router  http.Handler
	Builder *stream.Builder

	agent   agent.Agent
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

func NewApp(d Deps) *App {
	if d.Logger == nil {
		d.Logger = config.Logger
	}
	if d.Agent == nil {
		d.Agent = agent.Echo{}
	}
	if d.Builder == nil {
		d.Builder = stream.NewBuilder(stream.StrategyDirect, stream.WithLogger(d.Logger), stream.WithMetrics(d.Metrics))
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	app := &App{
		Builder: d.Builder,
		agent:   d.Agent,
		metrics: d.Metrics,
		log:     d.Logger,
		now:     d.Now,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(app.accessLog)
	r.Use(app.recoverer)

	r.Get("/", app.index)
	r.Get("/health", app.health)
	healthz := func(w http.ResponseWriter, _ *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
	readyz := func(w http.ResponseWriter, _ *http.Request) {
		util.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	}
	r.Get("/healthz", healthz)
	r.Head("/healthz", healthz)
	r.Get("/readyz", readyz)
	r.Head("/readyz", readyz)
	if d.Config.Metrics.Enabled && d.Metrics != nil {
		r.Handle(d.Config.Metrics.Path, d.Metrics.Handler())
	}

	r.Options(StreamPath, preflight)
	r.Post(StreamPath, app.handleStream)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		stream.SetCORSHeaders(w.Header())
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	app.Router = r
	return app
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusOK)
}

func (a *App) health(w http.ResponseWriter, _ *http.Request) {
	stream.SetCORSHeaders(w.Header())
	util.WriteJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"timestamp":   a.now().UTC().Format(time.RFC3339),
		"environment": a.Builder.Strategy().Environment(),
	})
}

func (a *App) index(w http.ResponseWriter, _ *http.Request) {
	stream.SetCORSHeaders(w.Header())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, indexHTML, html.EscapeString(string(a.Builder.Strategy())), StreamPath)
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
  <title>agentstream</title>
  <meta charset="utf-8">
</head>
<body>
  <h1>agentstream</h1>
  <p>Event-stream delivery, %s strategy.</p>
  <ul>
    <li><a href="/health">/health</a></li>
    <li><code>POST %s</code> streams an agent reply</li>
  </ul>
</body>
</html>
`
