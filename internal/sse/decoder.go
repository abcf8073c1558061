package sse

import "strings"

// LineDecoder accumulates text and hands back complete lines. The trailing
// segment after the last '\n' is kept until a later Feed completes it.
type LineDecoder struct {
	buf strings.Builder
}

// Feed appends chunk and returns every line it completed, without the
// terminating '\n'.
func (d *LineDecoder) Feed(chunk string) []string {
	if chunk == "" {
		return nil
	}
	d.buf.WriteString(chunk)
	pending := d.buf.String()
	idx := strings.LastIndexByte(pending, '\n')
	if idx < 0 {
		return nil
	}
	lines := strings.Split(pending[:idx], "\n")
	d.buf.Reset()
	d.buf.WriteString(pending[idx+1:])
	return lines
}

// pending returns the incomplete tail that has not been emitted yet.
func (d *LineDecoder) pending() string {
	return d.buf.String()
}
