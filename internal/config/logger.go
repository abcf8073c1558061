package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the process-wide logger. Packages that accept an injected
// *slog.Logger fall back to it.
var Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetupLogger rebuilds Logger from the log section and installs it as the
// slog default.
func SetupLogger(cfg LogConfig) *slog.Logger {
	Logger = NewLogger(os.Stderr, cfg)
	slog.SetDefault(Logger)
	return Logger
}

func NewLogger(w io.Writer, cfg LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
