// Package logger builds the process-wide slog.Logger from config.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"chatrelay/internal/infra/config"
)

// New builds a *slog.Logger per cfg. The returned closer must be called
// on shutdown; it is a no-op unless the output is a file.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closer, err := output(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}

func level(s string) slog.Level {
	switch strings.ToLower(s) {
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

// output resolves the configured target. Anything other than the two
// standard streams is treated as a file path, opened append-only.
func output(target string) (io.Writer, func() error, error) {
	none := func() error { return nil }
	switch strings.ToLower(target) {
	case "stdout":
		return os.Stdout, none, nil
	case "", "stderr":
		return os.Stderr, none, nil
	default:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
