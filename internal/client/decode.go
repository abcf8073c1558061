package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"agentstream/internal/sse"
	"agentstream/internal/stream"
	"agentstream/internal/util"
)

const readBufferSize = 32 * 1024

// Mode is the decoding strategy picked once per session from the response's
// declared content type.
type Mode int

const (
	ModeEventStream Mode = iota
	ModeJSON
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeEventStream:
		return "event-stream"
	case ModeJSON:
		return "json"
	default:
		return "text"
	}
}

func (m Mode) state() State {
	switch m {
	case ModeEventStream:
		return StateDecodingEventStream
	case ModeJSON:
		return StateDecodingJSON
	default:
		return StateDecodingText
	}
}

// ClassifyContentType maps a Content-Type header value to a Mode. Matching
// is by substring so parameters and odd casing do not matter.
func ClassifyContentType(ct string) Mode {
	ct = strings.ToLower(ct)
	switch {
	case strings.Contains(ct, sse.ContentTypeEventStream):
		return ModeEventStream
	case strings.Contains(ct, "application/json"):
		return ModeJSON
	default:
		return ModeText
	}
}

// decoder consumes one response body and emits messages in order. A nil
// return means the stream completed.
type decoder interface {
	decode(r io.Reader, emit func(sse.Message)) error
}

func decoderFor(m Mode, log *slog.Logger) decoder {
	switch m {
	case ModeEventStream:
		return eventStreamDecoder{log: log}
	case ModeJSON:
		return jsonDecoder{}
	default:
		return textDecoder{}
	}
}

// textReader turns each body read into valid UTF-8 text. A rune split
// across reads is held back until its remaining bytes arrive, so one read
// yields one chunk of text however large the read was.
type textReader struct {
	r     io.Reader
	dec   transform.Transformer
	buf   []byte
	carry []byte
	dst   []byte
}

func newTextReader(r io.Reader) *textReader {
	return &textReader{
		r:    r,
		dec:  unicode.UTF8.NewDecoder(),
		buf:  make([]byte, readBufferSize),
	}
}

// next performs one read. The text may be empty when the read only carried
// part of a rune. At EOF a dangling partial rune becomes U+FFFD.
func (t *textReader) next() (string, error) {
	n, err := t.r.Read(t.buf)
	atEOF := errors.Is(err, io.EOF)
	if n == 0 && !(atEOF && len(t.carry) > 0) {
		return "", err
	}
	return t.decode(t.buf[:n], atEOF), err
}

func (t *textReader) decode(p []byte, atEOF bool) string {
	src := p
	if len(t.carry) > 0 {
		src = append(t.carry, p...)
		t.carry = nil
	}
	// An invalid byte expands to the 3-byte replacement rune at most.
	if need := 3*len(src) + utf8.UTFMax; len(t.dst) < need {
		t.dst = make([]byte, need)
	}
	nDst, nSrc, err := t.dec.Transform(t.dst, src, atEOF)
	if errors.Is(err, transform.ErrShortSrc) {
		t.carry = append([]byte(nil), src[nSrc:]...)
	}
	return string(t.dst[:nDst])
}

type eventStreamDecoder struct {
	log *slog.Logger
}

func (d eventStreamDecoder) decode(r io.Reader, emit func(sse.Message)) error {
	var lines sse.LineDecoder
	tr := newTextReader(r)
	for {
		text, err := tr.next()
		if text != "" {
			for _, line := range lines.Feed(text) {
				lr := sse.ParseFrameLine(line)
				if !lr.Parsed {
					continue
				}
				if lr.Stop {
					return nil
				}
				if lr.Err != nil {
					d.log.Warn("skipping malformed frame", "error", lr.Err, "data", truncate(lr.Data, 256))
					continue
				}
				emit(lr.Message)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type jsonDecoder struct{}

func (jsonDecoder) decode(r io.Reader, emit func(sse.Message)) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode json response: %w", err)
	}
	switch v := doc.(type) {
	case map[string]any:
		if util.Truthy(v["error"]) {
			msg := "Server error"
			if m := v["message"]; util.Truthy(m) {
				msg = fmt.Sprint(m)
			}
			return &ServerError{Message: msg}
		}
		if util.Truthy(v["type"]) && util.Truthy(v["payload"]) {
			m, err := sse.DecodeMessage(raw)
			if err != nil {
				return fmt.Errorf("decode json message: %w", err)
			}
			emit(m)
		}
	case []any:
		for i, item := range v {
			b, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("decode json message %d: %w", i, err)
			}
			m, err := sse.DecodeMessage(b)
			if err != nil {
				return fmt.Errorf("decode json message %d: %w", i, err)
			}
			emit(m)
		}
	}
	return nil
}

type textDecoder struct{}

func (textDecoder) decode(r io.Reader, emit func(sse.Message)) error {
	tr := newTextReader(r)
	for {
		text, err := tr.next()
		if text != "" {
			emit(textMessage(text))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// textMessage turns one raw text chunk into a message: a JSON message if the
// chunk is one, otherwise a synthetic text message carrying it.
func textMessage(text string) sse.Message {
	if m, err := sse.DecodeMessage([]byte(text)); err == nil {
		return m
	}
	return sse.Message{
		Type:    "text",
		RunID:   stream.DefaultRunID,
		From:    stream.DefaultFrom,
		Payload: map[string]any{"content": text},
	}
}

// decodeBody undoes a Content-Encoding the transport left in place. The
// returned closer must be closed in addition to resp.Body.
func decodeBody(resp *http.Response) (io.Reader, io.Closer, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return resp.Body, io.NopCloser(nil), nil
	case "br":
		return brotli.NewReader(resp.Body), io.NopCloser(nil), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip body: %w", err)
		}
		return zr, zr, nil
	default:
		return nil, nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
