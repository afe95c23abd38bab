package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"parley/internal/infra/config"
)

// New builds the process logger from config. Debug level also enables
// source positions, which the sync core's terse messages otherwise lack.
// The closer flushes a file target and is a no-op for std streams.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	w, closer, err := target(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("log target %q: %w", cfg.Output, err)
	}

	level := levelFor(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

func levelFor(name string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func target(output string) (io.Writer, func() error, error) {
	none := func() error { return nil }
	switch strings.ToLower(output) {
	case "", "stderr":
		return os.Stderr, none, nil
	case "stdout":
		return os.Stdout, none, nil
	case "discard":
		return io.Discard, none, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
