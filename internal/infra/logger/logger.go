// Package logger builds the client's slog.Logger from file configuration.
// Logging defaults to text on stderr so chat output on stdout stays clean;
// a file target is opened append-only and owner-readable.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"roost/internal/infra/config"
)

// New builds the logger for cfg. The returned closer releases the file
// handle behind a file target and is a no-op for the standard streams.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closeFn, err := destination(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: threshold(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(h), closeFn, nil
}

// threshold maps a configured level name onto slog's scale. An unknown name
// falls back to info rather than failing startup.
func threshold(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// destination resolves where log lines go. Anything that is not a standard
// stream is treated as a file path.
func destination(target string) (io.Writer, func() error, error) {
	discard := func() error { return nil }

	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, discard, nil
	case "stderr", "":
		return os.Stderr, discard, nil
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
