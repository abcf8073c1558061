package stream

import (
	"context"
	"encoding/json"
	"io"

	"agentstream/internal/sse"
	"agentstream/internal/util"
)

// Projection defaults for chunks that do not carry the field themselves.
const (
	DefaultType  = "data"
	DefaultRunID = "unknown"
	DefaultFrom  = "agent"
)

// Source is a lazily pulled, single-pass sequence of raw chunks. Next returns
// io.EOF once the sequence is exhausted; any other error ends it abnormally.
type Source interface {
	Next(ctx context.Context) (any, error)
}

// MessageStream is a Source that has already been projected to messages.
type MessageStream interface {
	Next(ctx context.Context) (sse.Message, error)
}

// Projector maps one raw chunk to a message. It must be total.
type Projector func(chunk any) sse.Message

// Project is the default Projector. Maps and messages keep the fields they
// have; anything missing falls back to the defaults and the payload falls
// back to the chunk itself.
func Project(chunk any) sse.Message {
	switch c := chunk.(type) {
	case sse.Message:
		return withDefaults(withPayload(c, chunk))
	case *sse.Message:
		if c == nil {
			return withDefaults(sse.Message{})
		}
		return withDefaults(withPayload(*c, chunk))
	case map[string]any:
		m := sse.Message{Payload: chunk}
		m.Type, _ = util.StringField(c, "type")
		m.RunID, _ = util.StringField(c, "runId")
		m.From, _ = util.StringField(c, "from")
		if p, ok := c["payload"]; ok && util.Truthy(p) {
			m.Payload = p
		}
		return withDefaults(m)
	case json.RawMessage:
		return projectJSON(c)
	case []byte:
		return projectJSON(c)
	default:
		return withDefaults(sse.Message{Payload: chunk})
	}
}

func projectJSON(raw []byte) sse.Message {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return Project(obj)
	}
	return withDefaults(sse.Message{Payload: string(raw)})
}

// withPayload falls back to the chunk when the message carries no payload,
// the same as for map chunks.
func withPayload(m sse.Message, chunk any) sse.Message {
	if !util.Truthy(m.Payload) {
		m.Payload = chunk
	}
	return m
}

func withDefaults(m sse.Message) sse.Message {
	if m.Type == "" {
		m.Type = DefaultType
	}
	if m.RunID == "" {
		m.RunID = DefaultRunID
	}
	if m.From == "" {
		m.From = DefaultFrom
	}
	return m
}

// SliceSource yields a fixed list of chunks.
type SliceSource struct {
	items []any
	pos   int
}

func NewSliceSource(items ...any) *SliceSource {
	return &SliceSource{items: items}
}

func (s *SliceSource) Next(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.items) {
		return nil, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, nil
}

// ChanSource adapts a producer goroutine. The sequence ends when Chunks is
// closed; a value sent on Errs (buffered, at most one) ends it abnormally
// once Chunks has been drained and closed.
type ChanSource struct {
	Chunks <-chan any
	Errs   <-chan error
}

func (s ChanSource) Next(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.Chunks:
		if ok {
			return chunk, nil
		}
	}
	if s.Errs != nil {
		select {
		case err, ok := <-s.Errs:
			if ok && err != nil {
				return nil, err
			}
		default:
		}
	}
	return nil, io.EOF
}

// Direct projects src without pacing.
func Direct(src Source, project Projector) MessageStream {
	if project == nil {
		project = Project
	}
	return directStream{src: src, project: project}
}

type directStream struct {
	src     Source
	project Projector
}

func (d directStream) Next(ctx context.Context) (sse.Message, error) {
	chunk, err := d.src.Next(ctx)
	if err != nil {
		return sse.Message{}, err
	}
	return d.project(chunk), nil
}
