/*
Package gateway implements the TCP front that serves Flash socket policy
requests inline on an application port.

Every accepted connection is sniffed for the 23-byte policy request
before any byte reaches the backend. Matched connections receive the
configured policy document and are finished; all other connections are
relayed byte-for-byte to the backend, with the inspected bytes replayed
so the backend sees the stream unchanged.
*/
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nishidake/spg/internal/policy"
)

// Config holds gateway listener configuration.
type Config struct {
	// ListenAddr is the address clients connect to (e.g., ":8843").
	ListenAddr string
	// BackendAddr is the application server that unmatched connections
	// are relayed to.
	BackendAddr string
	// Payload is the shared policy document served to matched connections.
	Payload *policy.Payload
	// Logger is the structured logger to use. If nil, a default is created.
	Logger *slog.Logger
	// Verbose enables per-connection DEBUG logging.
	Verbose bool
	// ConnectTimeout is the timeout for backend TCP connections. Zero uses
	// the default (10s).
	ConnectTimeout time.Duration

	// Stats callbacks.
	OnPolicyServed func(clientIP string)
	OnPassthrough  func(clientIP string)
	OnTunnelClose  func(clientIP string, bytesIn, bytesOut int64)
	OnSniffError   func()
}

// Listener accepts client connections and drives the per-connection
// sniff/inject/relay cycle.
type Listener struct {
	cfg       *Config
	logger    *slog.Logger
	verbose   bool
	startTime time.Time

	ln net.Listener
	wg sync.WaitGroup

	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	policyServed      atomic.Int64
	passthrough       atomic.Int64
}

// New creates a new gateway Listener.
func New(cfg *Config) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Listener{
		cfg:       cfg,
		logger:    cfg.Logger,
		verbose:   cfg.Verbose,
		startTime: time.Now(),
	}
}

// ListenAndServe starts accepting connections. Blocks until the listener
// is closed via Shutdown.
func (l *Listener) ListenAndServe() error {
	ln, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	l.ln = ln
	l.logger.Info("gateway listener started",
		"addr", l.cfg.ListenAddr,
		"backend", l.cfg.BackendAddr,
		"policy_bytes", l.cfg.Payload.Len(),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("gateway accept: %w", err)
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConn(conn)
		}()
	}
}

// Addr returns the bound listener address, or nil before ListenAndServe.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Shutdown stops accepting connections and waits for in-flight
// connections to finish, up to the context deadline.
func (l *Listener) Shutdown(ctx context.Context) error {
	if l.ln != nil {
		_ = l.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectionsTotal returns the number of connections accepted since start.
func (l *Listener) ConnectionsTotal() int64 { return l.connectionsTotal.Load() }

// ConnectionsActive returns the number of connections currently open.
func (l *Listener) ConnectionsActive() int64 { return l.connectionsActive.Load() }

// PolicyServed returns the number of connections answered with the policy.
func (l *Listener) PolicyServed() int64 { return l.policyServed.Load() }

// Passthrough returns the number of connections relayed to the backend.
func (l *Listener) Passthrough() int64 { return l.passthrough.Load() }

// Uptime returns time since the listener was created.
func (l *Listener) Uptime() time.Duration { return time.Since(l.startTime) }

// handleConn runs the sniff/inject/relay cycle for one connection. The
// filter state is owned by this goroutine for the connection's lifetime;
// nothing is shared across connections except the read-only payload.
func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close() //nolint:errcheck // best-effort close

	l.connectionsTotal.Add(1)
	l.connectionsActive.Add(1)
	defer l.connectionsActive.Add(-1)

	clientIP := stripPort(conn.RemoteAddr().String())
	log := l.logger.With("conn_id", uuid.NewString(), "remote", clientIP)

	filter := policy.NewConnFilter(l.cfg.Payload)
	br := bufio.NewReader(conn)

	verdict := policy.VerdictUndetermined
	for verdict == policy.VerdictUndetermined {
		v, err := filter.SniffInput(br)
		if err != nil {
			// Transport failure, not a content mismatch.
			log.Error("sniff read failed", "error", err)
			if l.cfg.OnSniffError != nil {
				l.cfg.OnSniffError()
			}
			return
		}
		verdict = v
	}

	if l.verbose {
		log.Debug("connection classified", "verdict", verdict.String())
	}

	if verdict == policy.VerdictMatched {
		l.servePolicy(conn, filter, clientIP, log)
		return
	}

	l.relay(conn, br, filter, clientIP, log)
}

// servePolicy answers a matched connection with the policy document and
// finishes it. Input past the request is discarded.
func (l *Listener) servePolicy(conn net.Conn, filter *policy.ConnFilter, clientIP string, log *slog.Logger) {
	out := filter.Writer(conn)

	// The empty write flushes the injected payload ahead of anything else.
	if _, err := out.Write(nil); err != nil {
		log.Error("policy write failed", "error", err)
		return
	}

	l.policyServed.Add(1)
	if l.cfg.OnPolicyServed != nil {
		l.cfg.OnPolicyServed(clientIP)
	}

	log.Info("policy served", "bytes", l.cfg.Payload.Len())

	// Half-close so the client sees a complete response before we drop
	// the connection.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}

// relay connects an unmatched connection to the backend and copies bytes
// both ways. The client-to-backend side reads through the sniff filter
// so every inspected byte is replayed in original order.
func (l *Listener) relay(conn net.Conn, br *bufio.Reader, filter *policy.ConnFilter, clientIP string, log *slog.Logger) {
	backend, err := net.DialTimeout("tcp", l.cfg.BackendAddr, l.cfg.ConnectTimeout)
	if err != nil {
		log.Error("backend dial failed", "backend", l.cfg.BackendAddr, "error", err)
		return
	}
	defer backend.Close() //nolint:errcheck // best-effort close

	l.passthrough.Add(1)
	if l.cfg.OnPassthrough != nil {
		l.cfg.OnPassthrough(clientIP)
	}

	if l.verbose {
		log.Debug("relaying to backend", "backend", l.cfg.BackendAddr)
	}

	clientIn := filter.Reader(br)
	clientOut := filter.Writer(conn)

	var bytesIn, bytesOut atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(backend, clientIn) //nolint:errcheck // relay streaming
		bytesIn.Store(n)
		if tc, ok := backend.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		n, _ := io.Copy(clientOut, backend) //nolint:errcheck // relay streaming
		bytesOut.Store(n)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}()

	wg.Wait()

	if l.cfg.OnTunnelClose != nil {
		l.cfg.OnTunnelClose(clientIP, bytesIn.Load(), bytesOut.Load())
	}

	if l.verbose {
		log.Debug("relay closed",
			"bytes_in", bytesIn.Load(),
			"bytes_out", bytesOut.Load(),
		)
	}
}

// stripPort removes the port from a host:port string.
func stripPort(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
