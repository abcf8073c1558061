package sse

import "strings"

// LineResult is the normalized parse result for one line of an event stream.
type LineResult struct {
	// Parsed is false for lines that are not frames (comments, blank lines,
	// other SSE fields). Such lines are ignored, never reported.
	Parsed  bool
	Stop    bool
	Message Message
	// Err is set when the line was a frame but its payload was not a valid
	// Message. The stream is expected to continue past it.
	Err  error
	Data string
}

// ParseFrameLine classifies one newline-stripped line.
func ParseFrameLine(line string) LineResult {
	line = strings.TrimSuffix(line, "\r")
	data, ok := strings.CutPrefix(line, DataPrefix)
	if !ok {
		return LineResult{}
	}
	if data == DoneSentinel {
		return LineResult{Parsed: true, Stop: true, Data: data}
	}
	msg, err := DecodeMessage([]byte(data))
	if err != nil {
		return LineResult{Parsed: true, Err: err, Data: data}
	}
	return LineResult{Parsed: true, Message: msg, Data: data}
}
