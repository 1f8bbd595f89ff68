package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"chapps/internal/logging"
)

// frameTerminator ends a policy request frame and a policy response.
const frameTerminator = "\n\n"

// Connection wraps a net.Conn carrying framed policy requests, with
// timeout management and optional payload logging. The MTA holds
// connections open and sends many requests over each.
type Connection struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	logger      *slog.Logger
	idleTimeout time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout time.Duration
	LogPayload  bool
	Logger      *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:         conn,
		logger:       connLogger,
		idleTimeout:  cfg.IdleTimeout,
		lastActivity: time.Now(),
	}

	var r io.Reader = conn
	var w io.Writer = conn
	if cfg.LogPayload {
		r = logging.NewPayloadReader(conn, connLogger, "recv")
		w = logging.NewPayloadWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReader(r)
	c.writer = bufio.NewWriter(w)

	return c
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadFrame reads one policy request frame, up to and including the
// terminating blank line.
func (c *Connection) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		line, err := c.reader.ReadBytes('\n')
		frame = append(frame, line...)
		if err != nil {
			return frame, err
		}
		if bytes.HasSuffix(frame, []byte(frameTerminator)) {
			_ = c.resetIdleTimeout()
			return frame, nil
		}
	}
}

// WriteResponse sends one action directive back to the MTA.
func (c *Connection) WriteResponse(directive string) error {
	if _, err := c.writer.WriteString("action=" + directive + frameTerminator); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	return c.resetIdleTimeout()
}

// resetIdleTimeout pushes out the connection deadline after activity.
func (c *Connection) resetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed")
	return c.conn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// IdleMonitor runs in a goroutine to monitor for idle connections.
// It will close the connection if idle timeout is exceeded.
// The monitor stops when the context is cancelled or the connection is closed.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection",
					slog.Duration("idle_time", idle),
				)
				if err := c.Close(); err != nil {
					c.logger.Debug("error closing idle connection",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
