package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"agentstream/internal/config"
	"agentstream/internal/metrics"
	"agentstream/internal/sse"
	"agentstream/internal/util"
)

// corsHeaders are sent on every stream response and on its failure
// responses.
var corsHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, POST, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type"},
}

// Response headers of an event stream. Every one of them is there to stop a
// proxy or edge runtime from buffering or rewriting the body.
var streamHeaders = slices.Concat(
	[][2]string{
		{"Content-Type", sse.ContentTypeEventStream},
		{"Cache-Control", "no-cache, no-transform"},
		{"Connection", "keep-alive"},
	},
	corsHeaders,
	[][2]string{
		{"X-Accel-Buffering", "no"},
		{"Transfer-Encoding", "identity"},
	},
)

// SetHeaders installs the event-stream response headers on h.
func SetHeaders(h http.Header) {
	for _, kv := range streamHeaders {
		h.Set(kv[0], kv[1])
	}
}

// SetCORSHeaders installs only the cross-origin headers.
func SetCORSHeaders(h http.Header) {
	for _, kv := range corsHeaders {
		h.Set(kv[0], kv[1])
	}
}

// WriteError writes the non-streaming failure response used when a stream
// fails before its first frame.
func WriteError(w http.ResponseWriter, err error) {
	SetCORSHeaders(w.Header())
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("X-Accel-Buffering", "no")
	util.WriteJSON(w, http.StatusInternalServerError, map[string]any{
		"error":   "Streaming failed",
		"message": err.Error(),
	})
}

// Builder binds a chunk source to an event-stream response. The strategy is
// fixed at construction.
type Builder struct {
	strategy Strategy
	interval time.Duration
	project  Projector
	log      *slog.Logger
	metrics  *metrics.Collector
}

type Option func(*Builder)

func WithPaceInterval(d time.Duration) Option {
	return func(b *Builder) { b.interval = d }
}

func WithProjector(p Projector) Option {
	return func(b *Builder) {
		if p != nil {
			b.project = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(b *Builder) { b.metrics = c }
}

func NewBuilder(strategy Strategy, opts ...Option) *Builder {
	if strategy != StrategyPaced {
		strategy = StrategyDirect
	}
	b := &Builder{
		strategy: strategy,
		interval: DefaultPaceInterval,
		project:  Project,
		log:      config.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) Strategy() Strategy {
	return b.strategy
}

// Messages wraps src according to the builder's strategy.
func (b *Builder) Messages(ctx context.Context, src Source) MessageStream {
	if b.strategy == StrategyPaced {
		return Pace(ctx, src, b.project, b.interval)
	}
	return Direct(src, b.project)
}

// Serve streams src to w. If src fails before yielding anything the client
// gets a 500 JSON body instead; after the first frame, failures can only end
// the stream early and the terminal frame is withheld.
func (b *Builder) Serve(w http.ResponseWriter, r *http.Request, src Source) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	start := time.Now()
	strategy := string(b.strategy)
	ms := b.Messages(ctx, src)

	first, err := ms.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		b.log.Error("stream failed before first frame", "strategy", strategy, "error", err)
		b.metrics.ObserveStream(strategy, metrics.OutcomeRejected, time.Since(start))
		WriteError(w, err)
		return
	}

	SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	flush := func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
	b.log.Debug("stream started", "strategy", strategy)

	frames, err := b.write(ctx, w, flush, first, err, ms)
	outcome := metrics.OutcomeCompleted
	var upstream *upstreamError
	switch {
	case err != nil && r.Context().Err() != nil:
		outcome = metrics.OutcomeClientGone
		b.log.Info("client went away", "strategy", strategy, "frames", frames)
	case errors.As(err, &upstream):
		outcome = metrics.OutcomeUpstreamError
		b.log.Error("stream aborted by source", "strategy", strategy, "frames", frames, "error", upstream.err)
	case err != nil:
		outcome = metrics.OutcomeClientGone
		b.log.Warn("stream write failed", "strategy", strategy, "frames", frames, "error", err)
	}
	b.metrics.ObserveStream(strategy, outcome, time.Since(start))
	b.log.Info("stream finished", "strategy", strategy, "frames", frames, "outcome", outcome, "duration", time.Since(start))
}

// upstreamError marks a failure of the message stream, as opposed to a
// failure writing to the client.
type upstreamError struct{ err error }

func (e *upstreamError) Error() string { return e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

func (b *Builder) write(ctx context.Context, w io.Writer, flush func() error, msg sse.Message, err error, ms MessageStream) (int, error) {
	frames := 0
	for {
		if errors.Is(err, io.EOF) {
			if _, werr := w.Write(sse.EncodeTerminal()); werr != nil {
				return frames, werr
			}
			return frames, flush()
		}
		if err != nil {
			return frames, &upstreamError{err: err}
		}
		frame, encErr := sse.Encode(msg)
		if encErr != nil {
			return frames, &upstreamError{err: encErr}
		}
		if _, werr := w.Write(frame); werr != nil {
			return frames, werr
		}
		if ferr := flush(); ferr != nil {
			return frames, ferr
		}
		frames++
		b.metrics.ObserveFrame(string(b.strategy))
		msg, err = ms.Next(ctx)
	}
}
