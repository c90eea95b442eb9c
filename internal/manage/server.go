/*
Package manage implements the management HTTP server.

The server listens on its own address, separate from the gateway's data
listener, and exposes JSON heartbeat and stats endpoints plus a
WebSocket live log stream under a configurable path prefix.
*/
package manage

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nishidake/spg/internal/logbuf"
)

// Config holds all dependencies for the management server.
type Config struct {
	// Listen is the management listen address (e.g., "127.0.0.1:9843").
	Listen string
	// PathPrefix is the management endpoint prefix (e.g., "/spg").
	PathPrefix string
	// Heartbeat serves the heartbeat endpoint.
	Heartbeat http.HandlerFunc
	// Stats serves the stats endpoint.
	Stats http.HandlerFunc
	// LogBuffer is the circular log buffer backing the live log stream.
	LogBuffer *logbuf.Buffer
	// Logger is the structured logger.
	Logger *slog.Logger
}

// Server handles management HTTP requests on a dedicated listener.
type Server struct {
	listen     string
	prefix     string
	logBuffer  *logbuf.Buffer
	logger     *slog.Logger
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a management server. Call ListenAndServe to start it.
func New(cfg *Config) *Server {
	s := &Server{
		listen:    cfg.Listen,
		prefix:    cfg.PathPrefix,
		logBuffer: cfg.LogBuffer,
		logger:    cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.prefix+"/heartbeat", cfg.Heartbeat)
	mux.HandleFunc("GET "+s.prefix+"/stats", cfg.Stats)
	mux.HandleFunc(s.prefix+"/logs/ws", s.handleLogStream)
	mux.HandleFunc("GET "+s.prefix+"/logs", s.handleRecentLogs)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the management server. It blocks until the
// server is shut down or fails.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("management server listening", "addr", ln.Addr().String(), "prefix", s.prefix)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound listen address, or "" before ListenAndServe.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown gracefully shuts down the management server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
