package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"agentstream/internal/stream"
	"agentstream/internal/util"
)

const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// requestID tags each request with an id, reusing the caller's when it sent
// a plausible one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func logger(r *http.Request, base *slog.Logger) *slog.Logger {
	if id := RequestID(r.Context()); id != "" {
		return base.With("request_id", id)
	}
	return base
}

func (a *App) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		a.metrics.ObserveHTTP(r.Method, path, status)
		logger(r, a.log).Debug("request", "method", r.Method, "path", r.URL.Path, "status", status, "bytes", ww.BytesWritten(), "duration", time.Since(start))
	})
}

// recoverer turns a handler panic into a 500 JSON response. Once the status
// line is out there is nothing left to send, so the panic is only logged.
func (a *App) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger(r, a.log).Error("handler panic", "panic", rec, "path", r.URL.Path)
			if sw, ok := w.(interface{ Status() int }); ok && sw.Status() != 0 {
				return
			}
			stream.SetCORSHeaders(w.Header())
			util.WriteJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   "Internal server error",
				"message": fmt.Sprint(rec),
			})
		}()
		next.ServeHTTP(w, r)
	})
}
