// Package agent holds the producer side collaborators that generate chunks
// for a chat turn.
package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentstream/internal/stream"
	"agentstream/internal/util"
)

var ErrNoUserMessage = errors.New("no user message in history")

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Agent produces the chunks answering history.
type Agent interface {
	Stream(ctx context.Context, history []Message) (stream.Source, error)
}

// ParseHistory converts decoded JSON entries into messages. Entries that are
// not objects are skipped; missing fields stay empty.
func ParseHistory(items []any) []Message {
	out := make([]Message, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := util.StringField(obj, "role")
		content, _ := util.StringField(obj, "content")
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}

// Echo replies with the latest user message, one word per chunk, followed by
// a finish chunk. Chunks are produced on their own goroutine, the way an
// engine pushing tokens would, and handed over through a stream.ChanSource.
// The goroutine exits once ctx is done.
type Echo struct {
	// Delay is slept before each chunk.
	Delay time.Duration
	// NewRunID defaults to a random UUID.
	NewRunID func() string
}

func (e Echo) Stream(ctx context.Context, history []Message) (stream.Source, error) {
	text, ok := lastUserMessage(history)
	if !ok {
		return nil, ErrNoUserMessage
	}
	newID := e.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	runID := newID()
	words := strings.Fields(text)

	chunks := make(chan any)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		emit := func(typ string, payload map[string]any) error {
			if err := wait(ctx, e.Delay); err != nil {
				return err
			}
			select {
			case chunks <- chunk(runID, typ, payload):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, word := range words {
			if err := emit("text-delta", map[string]any{"text": word}); err != nil {
				errs <- err
				return
			}
		}
		if err := emit("finish", map[string]any{"reason": "stop", "words": len(words)}); err != nil {
			errs <- err
		}
	}()
	return stream.ChanSource{Chunks: chunks, Errs: errs}, nil
}

func lastUserMessage(history []Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if strings.EqualFold(history[i].Role, "user") {
			return history[i].Content, true
		}
	}
	return "", false
}

func chunk(runID, typ string, payload map[string]any) map[string]any {
	return map[string]any{
		"type":    typ,
		"from":    stream.DefaultFrom,
		"runId":   runID,
		"payload": payload,
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
