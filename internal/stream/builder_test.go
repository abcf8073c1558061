package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentstream/internal/metrics"
	"agentstream/internal/sse"
)

var wantStreamHeaders = map[string]string{
	"Content-Type":                 "text/event-stream",
	"Cache-Control":                "no-cache, no-transform",
	"Connection":                   "keep-alive",
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type",
	"X-Accel-Buffering":            "no",
	"Transfer-Encoding":            "identity",
}

func serve(t *testing.T, b *Builder, src Source) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/stream", nil)
	b.Serve(rec, req, src)
	return rec
}

func TestBuilderHeadersForBothStrategies(t *testing.T) {
	for _, s := range []Strategy{StrategyDirect, StrategyPaced} {
		rec := serve(t, NewBuilder(s, WithPaceInterval(0)), NewSliceSource("x"))
		require.Equal(t, http.StatusOK, rec.Code)
		for k, v := range wantStreamHeaders {
			assert.Equal(t, v, rec.Header().Get(k), "strategy %s header %s", s, k)
		}
		assert.True(t, rec.Flushed, "expected flushes for %s", s)
	}
}

func TestSetCORSHeadersSetsOnlyCrossOriginHeaders(t *testing.T) {
	h := http.Header{}
	SetCORSHeaders(h)
	assert.Equal(t, http.Header{
		"Access-Control-Allow-Origin":  {"*"},
		"Access-Control-Allow-Methods": {"GET, POST, OPTIONS"},
		"Access-Control-Allow-Headers": {"Content-Type"},
	}, h)

	full := http.Header{}
	SetHeaders(full)
	for k, v := range h {
		assert.Equal(t, v, full[k], k)
	}
	assert.Len(t, full, len(wantStreamHeaders))
}

func TestBuilderBodyTerminatesOnce(t *testing.T) {
	rec := serve(t, NewBuilder(StrategyPaced, WithPaceInterval(0)), NewSliceSource(
		map[string]any{"type": "text-delta", "runId": "r", "payload": map[string]any{"text": "hi"}},
		map[string]any{"type": "finish", "runId": "r", "payload": map[string]any{"reason": "stop"}},
	))
	body := rec.Body.String()
	assert.Equal(t, 1, strings.Count(body, "data: [DONE]\n\n"))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	msgs, done := parseFrames(t, body)
	require.True(t, done)
	require.Len(t, msgs, 2)
	assert.Equal(t, "text-delta", msgs[0].Type)
	assert.Equal(t, "agent", msgs[0].From)
	assert.Equal(t, "finish", msgs[1].Type)
}

func TestBuilderErrorBeforeFirstFrame(t *testing.T) {
	for _, s := range []Strategy{StrategyDirect, StrategyPaced} {
		c := metrics.NewCollector()
		rec := serve(t, NewBuilder(s, WithMetrics(c)), &failingSource{err: errors.New("agent unavailable")})
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "Streaming failed", body["error"])
		assert.Equal(t, "agent unavailable", body["message"])
	}
}

func TestBuilderErrorAfterFirstFrameEndsStream(t *testing.T) {
	c := metrics.NewCollector()
	rec := serve(t, NewBuilder(StrategyDirect, WithMetrics(c)), &failingSource{n: 2, err: errors.New("lost model")})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "data: {"))
	assert.NotContains(t, body, "[DONE]")

	reg := c.Registry()
	n, err := testutil.GatherAndCount(reg, "agentstream_streams_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = testutil.GatherAndCount(reg, "agentstream_frames_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBuilderEmptySourceStillTerminates(t *testing.T) {
	rec := serve(t, NewBuilder(StrategyDirect), NewSliceSource())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: [DONE]\n\n", rec.Body.String())
}

func TestBuilderUsesProjector(t *testing.T) {
	upper := func(chunk any) sse.Message {
		return sse.Message{Type: "custom", RunID: "fixed", From: "test", Payload: chunk}
	}
	rec := serve(t, NewBuilder(StrategyDirect, WithProjector(upper)), NewSliceSource(7))
	assert.Contains(t, rec.Body.String(), `data: {"type":"custom","runId":"fixed","from":"test","payload":7}`)
}

func TestNewBuilderNormalizesStrategy(t *testing.T) {
	assert.Equal(t, StrategyDirect, NewBuilder("bogus").Strategy())
	assert.Equal(t, StrategyPaced, NewBuilder(StrategyPaced).Strategy())
}

func TestMessagesSelectsPacer(t *testing.T) {
	ms := NewBuilder(StrategyPaced).Messages(context.Background(), NewSliceSource())
	_, ok := ms.(*pacedStream)
	assert.True(t, ok)
	ms = NewBuilder(StrategyDirect).Messages(context.Background(), NewSliceSource())
	_, ok = ms.(directStream)
	assert.True(t, ok)
}

func parseFrames(t *testing.T, body string) ([]sse.Message, bool) {
	t.Helper()
	var msgs []sse.Message
	for _, line := range strings.Split(body, "\n") {
		lr := sse.ParseFrameLine(line)
		if !lr.Parsed {
			continue
		}
		if lr.Stop {
			return msgs, true
		}
		require.NoError(t, lr.Err, line)
		msgs = append(msgs, lr.Message)
	}
	return msgs, false
}
