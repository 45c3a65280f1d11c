// Package log is the structured logger used across the proxy. It wraps
// log/slog behind a small interface so the logger can travel in a
// context.Context and be replaced by Nop in tests.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// FileOptions enables a rotating log file instead of stdout.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type Options struct {
	App               string
	Version           string
	Level             slog.Level
	StacktraceLevel   slog.Level
	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// Writer wins over File when both are set.
	Writer io.Writer
	File   FileOptions
}

func New(opts Options) (Logger, error) {
	var closer io.Closer
	if opts.Writer == nil && opts.File.Path != "" {
		w, err := newFileWriter(opts.File)
		if err != nil {
			return nil, err
		}
		opts.Writer = w
		closer = w
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	return newSlog(opts, closer), nil
}

func newFileWriter(fo FileOptions) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(fo.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory for %s: %w", fo.Path, err)
	}
	size := fo.MaxSizeMB
	if size <= 0 {
		size = 100
	}
	return &lumberjack.Logger{
		Filename:   fo.Path,
		MaxSize:    size,
		MaxBackups: fo.MaxBackups,
		MaxAge:     fo.MaxAgeDays,
		Compress:   fo.Compress,
	}, nil
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
