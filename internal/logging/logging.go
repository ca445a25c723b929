package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Setup configures the process-wide logger and returns it. level follows
// slog's vocabulary (debug, info, warn, error, case-insensitive, offsets
// like "warn+2" included); anything unparseable means info. format "json"
// selects JSON output for deployments that ship the kiosk's logs off the
// box; everything else gets the text handler.
func Setup(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
