// Package client consumes agent responses over HTTP. The response may come
// back as a true event stream, as one buffered JSON document, or as raw
// text; the client picks a decoder from the declared content type and
// delivers messages to callbacks in arrival order.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"agentstream/internal/config"
	"agentstream/internal/sse"
)

var ErrNoBody = errors.New("no response body")

// StatusError reports a non-2xx response.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Status)
}

// ServerError is a failure reported by the producer inside a buffered JSON
// response.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateDecodingEventStream
	StateDecodingJSON
	StateDecodingText
	StateCompleted
	StateFailed
	StateCancelled
)

var stateNames = [...]string{"idle", "requesting", "decoding-event-stream", "decoding-json", "decoding-text", "completed", "failed", "cancelled"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
	return stateNames[s]
}

// ChatMessage is one entry of the conversation history sent upstream.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Options struct {
	URL string

	// OnMessage runs on the decoding goroutine; a slow callback slows reads.
	OnMessage func(sse.Message)
	// OnError and OnComplete are mutually exclusive and fire at most once per
	// session. Neither fires when the session is cancelled.
	OnError    func(error)
	OnComplete func()
	// OnStart runs before the request is sent.
	OnStart func()

	HTTP   Doer
	Header http.Header
	Logger *slog.Logger
	// Compression advertises br and gzip and decodes whichever comes back.
	Compression bool
	// TLSFingerprint applies to the default HTTP client only; it is ignored
	// when HTTP is set.
	TLSFingerprint bool
}

type session struct {
	cancel context.CancelFunc
}

type Client struct {
	opts Options
	log  *slog.Logger

	mu     sync.Mutex
	active *session
	state  atomic.Int32
}

func New(opts Options) *Client {
	if opts.HTTP == nil {
		opts.HTTP = NewHTTPClient(TransportOptions{TLSFingerprint: opts.TLSFingerprint})
	}
	log := opts.Logger
	if log == nil {
		log = config.Logger
	}
	return &Client{opts: opts, log: log.With("component", "stream-client")}
}

// State returns the state of the most recent session.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// Stream sends history and blocks until the session completes, fails or is
// cancelled, returning the terminal state. Starting a stream while another
// is active forgets the earlier one's cancel handle without cancelling it.
func (c *Client) Stream(ctx context.Context, history []ChatMessage) (st State) {
	sctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel}
	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	var err error
	defer func() {
		c.mu.Lock()
		if c.active == s {
			c.active = nil
		}
		c.mu.Unlock()
		st = c.finish(sctx, err)
		cancel()
	}()

	c.setState(StateRequesting)
	if c.opts.OnStart != nil {
		c.opts.OnStart()
	}
	err = c.run(sctx, history)
	return st
}

// Stop cancels the active session. It is a no-op when nothing is active.
func (c *Client) Stop() {
	c.mu.Lock()
	s := c.active
	c.active = nil
	c.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

func (c *Client) finish(ctx context.Context, err error) State {
	switch {
	case err == nil:
		c.setState(StateCompleted)
		if c.opts.OnComplete != nil {
			c.opts.OnComplete()
		}
		return StateCompleted
	case isCancellation(ctx, err):
		c.setState(StateCancelled)
		c.log.Debug("stream cancelled")
		return StateCancelled
	default:
		c.setState(StateFailed)
		if c.opts.OnError != nil {
			c.opts.OnError(err)
		}
		return StateFailed
	}
}

// isCancellation treats context.Canceled as a cancellation signal. Transport
// errors raised while the session context is cancelled count too, since
// they are how an aborted read surfaces. A deadline is an ordinary failure.
func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func (c *Client) run(ctx context.Context, history []ChatMessage) error {
	if history == nil {
		history = []ChatMessage{}
	}
	payload, err := json.Marshal(map[string]any{"messages": history})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", sse.ContentTypeEventStream)
	req.Header.Set("Cache-Control", "no-cache")
	if c.opts.Compression {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	resp, err := c.opts.HTTP.Do(req)
	if err != nil {
		return err
	}
	if resp.Body == nil {
		return ErrNoBody
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Status: statusText(resp)}
	}

	mode := ClassifyContentType(resp.Header.Get("Content-Type"))
	body, closer, err := decodeBody(resp)
	if err != nil {
		return err
	}
	defer closer.Close()

	c.setState(mode.state())
	c.log.Debug("decoding response", "mode", mode.String(), "content_type", resp.Header.Get("Content-Type"))
	emit := func(m sse.Message) {
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(m)
		}
	}
	return decoderFor(mode, c.log).decode(body, emit)
}

func statusText(resp *http.Response) string {
	if text, ok := strings.CutPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
