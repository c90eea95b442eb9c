/*
Package logging configures structured logging with file rotation.

Logs are written to stderr (text format, for human reading), to a
rotated JSON log file (for machine parsing and post-hoc analysis), and
optionally into an in-memory ring buffer that feeds the management
live log stream. The file logger uses lumberjack for size-based rotation.
*/
package logging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nishidake/spg/internal/logbuf"
)

// Config holds logging configuration.
type Config struct {
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Verbose enables DEBUG-level logging. Default is INFO.
	Verbose bool
	// Buffer, if non-nil, receives every record for the management
	// live log stream.
	Buffer *logbuf.Buffer
}

// Setup creates a logger that writes to stderr and optionally to a rotated
// log file and ring buffer. Returns the logger and a cleanup function to
// close the file.
func Setup(cfg Config) (logger *slog.Logger, cleanup func()) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}
	if cfg.Buffer != nil {
		handlers = append(handlers, cfg.Buffer.Handler())
	}

	cleanup = func() {}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
			// Fall back to the remaining handlers if the directory
			// cannot be created.
			slog.New(handlers[0]).Warn("failed to create log directory, file logging disabled",
				"dir", cfg.LogDir,
				"error", err,
			)
		} else {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "spgd.log"),
				MaxSize:    10, // MB per file
				MaxBackups: 3,  // keep 3 old files
				MaxAge:     7,  // days to retain
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: level}))
			cleanup = func() {
				_ = lj.Close()
			}
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), cleanup
	}
	return slog.New(&multiHandler{handlers: handlers}), cleanup
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(_ context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(nil, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
