package stream

import (
	"os"
	"strings"
)

// Strategy selects how a chunk source is turned into frames. Both strategies
// produce identical framing; paced trades per-chunk latency for resistance
// to intermediary buffering.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyPaced  Strategy = "paced"
)

// EdgeMarkers are environment variables whose presence indicates a
// serverless or edge runtime that buffers responses.
var EdgeMarkers = []string{
	"CF_PAGES",
	"CF_WORKER",
	"VERCEL",
	"NETLIFY",
	"AWS_LAMBDA_FUNCTION_NAME",
	"AGENTSTREAM_EDGE",
}

// Detector reports whether the process runs in a buffering edge runtime.
type Detector func() bool

// EnvDetector builds a Detector over lookup, which is normally os.LookupEnv.
func EnvDetector(lookup func(string) (string, bool)) Detector {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return func() bool {
		for _, key := range EdgeMarkers {
			if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
				return true
			}
		}
		return false
	}
}

func SelectStrategy(edge bool) Strategy {
	if edge {
		return StrategyPaced
	}
	return StrategyDirect
}

// ResolveStrategy honors an explicit "paced" or "direct" setting and
// otherwise asks detect.
func ResolveStrategy(configured string, detect Detector) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(configured))) {
	case StrategyPaced:
		return StrategyPaced
	case StrategyDirect:
		return StrategyDirect
	}
	if detect == nil {
		return StrategyDirect
	}
	return SelectStrategy(detect())
}

// Environment names the runtime family for diagnostics.
func (s Strategy) Environment() string {
	if s == StrategyPaced {
		return "edge"
	}
	return "server"
}
