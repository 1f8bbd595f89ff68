// Package logging provides centralized logging for the policy daemon.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// contextKey is used for storing loggers in context.
type contextKey struct{}

var loggerKey = contextKey{}

// connectionCounter is used to generate unique connection IDs.
var connectionCounter atomic.Uint64

// NewLogger creates a new slog.Logger with the specified level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: lvl,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

// WithConnection returns a new logger with connection-specific attributes.
// It generates a unique connection ID for log correlation.
func WithConnection(logger *slog.Logger, remoteAddr string) *slog.Logger {
	connID := connectionCounter.Add(1)
	return logger.With(
		slog.Uint64("conn_id", connID),
		slog.String("remote_addr", remoteAddr),
	)
}

// WithPolicy returns a new logger with policy-listener attributes.
func WithPolicy(logger *slog.Logger, address string, policy string) *slog.Logger {
	return logger.With(
		slog.String("listener", address),
		slog.String("policy", policy),
	)
}

// FromContext retrieves the logger from the context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// PayloadWriter wraps an io.Writer to log all data written.
// Used for debugging full policy request/response exchanges.
type PayloadWriter struct {
	w      io.Writer
	logger *slog.Logger
	prefix string
}

// NewPayloadWriter creates a writer that logs all data.
func NewPayloadWriter(w io.Writer, logger *slog.Logger, prefix string) *PayloadWriter {
	return &PayloadWriter{
		w:      w,
		logger: logger,
		prefix: prefix,
	}
}

// Write writes data and logs it.
func (pw *PayloadWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	if n > 0 {
		pw.logger.Debug("payload",
			slog.String("direction", pw.prefix),
			slog.String("data", string(p[:n])),
		)
	}
	return n, err
}

// PayloadReader wraps an io.Reader to log all data read.
type PayloadReader struct {
	r      io.Reader
	logger *slog.Logger
	prefix string
}

// NewPayloadReader creates a reader that logs all data.
func NewPayloadReader(r io.Reader, logger *slog.Logger, prefix string) *PayloadReader {
	return &PayloadReader{
		r:      r,
		logger: logger,
		prefix: prefix,
	}
}

// Read reads data and logs it.
func (pr *PayloadReader) Read(p []byte) (n int, err error) {
	n, err = pr.r.Read(p)
	if n > 0 {
		pr.logger.Debug("payload",
			slog.String("direction", pr.prefix),
			slog.String("data", string(p[:n])),
		)
	}
	return n, err
}
