package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"agentstream/internal/agent"
	"agentstream/internal/metrics"
	"agentstream/internal/stream"
	"agentstream/internal/util"
)

const maxRequestBody = 1 << 20

func writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	util.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeBadRequest(w, "Invalid request: body too large")
			return
		}
		writeBadRequest(w, "Invalid request: body must be a JSON object")
		return
	}
	items, ok := req["messages"].([]any)
	if !ok {
		writeBadRequest(w, "Invalid request: messages array required")
		return
	}

	history := agent.ParseHistory(items)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	src, err := a.agent.Stream(ctx, history)
	if err != nil {
		logger(r, a.log).Error("agent failed to start", "error", err, "messages", len(history))
		a.metrics.ObserveStream(string(a.Builder.Strategy()), metrics.OutcomeRejected, 0)
		stream.WriteError(w, err)
		return
	}
	a.Builder.Serve(w, r.WithContext(ctx), src)
}
