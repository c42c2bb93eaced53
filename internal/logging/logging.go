// Package logging builds the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kiranshivaraju/luawatch/internal/config"
)

// ParseLevel maps a config level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// New returns a JSON logger writing to w at the configured level.
func New(w io.Writer, cfg config.LogConfig) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}))
}

// Setup installs the default logger. Foreground commands log to stderr so
// stdout stays free for command output; the background daemon logs to a
// rotating file instead. The returned closer releases the file and is a
// no-op for stderr.
func Setup(cfg config.LogConfig, toFile bool) (io.Closer, error) {
	if !toFile || cfg.File == "" {
		slog.SetDefault(New(os.Stderr, cfg))
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   true,
	}
	slog.SetDefault(New(rotator, cfg))
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
