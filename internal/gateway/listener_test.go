package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nishidake/spg/internal/policy"
)

const testPolicyDoc = `<?xml version="1.0"?>
<cross-domain-policy>
  <allow-access-from domain="*" to-ports="8080"/>
</cross-domain-policy>
`

// testBackend is a capture-and-respond TCP server standing in for the
// application behind the gateway.
type testBackend struct {
	ln       net.Listener
	conns    atomic.Int64
	received chan []byte
	response []byte
}

func startBackend(t *testing.T, response []byte) *testBackend {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	b := &testBackend{
		ln:       ln,
		received: make(chan []byte, 4),
		response: response,
	}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns.Add(1)
			go func() {
				defer conn.Close() //nolint:errcheck // test server
				data, _ := io.ReadAll(conn)
				b.received <- data
				if len(b.response) > 0 {
					_, _ = conn.Write(b.response)
				}
			}()
		}
	}()

	return b
}

func (b *testBackend) addr() string { return b.ln.Addr().String() }

func startGateway(t *testing.T, backendAddr string) *Listener {
	t.Helper()

	path := filepath.Join(t.TempDir(), "crossdomain.xml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicyDoc), 0o600))
	payload, err := policy.LoadPayload(path)
	require.NoError(t, err)

	gw := New(&Config{
		ListenAddr:     "127.0.0.1:0",
		BackendAddr:    backendAddr,
		Payload:        payload,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		ConnectTimeout: 2 * time.Second,
	})

	started := make(chan error, 1)
	go func() { started <- gw.ListenAndServe() }()

	require.Eventually(t, func() bool { return gw.Addr() != nil }, time.Second, 10*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		select {
		case err := <-started:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("gateway did not stop")
		}
	})

	return gw
}

func TestGateway_ServesPolicyOnRequest(t *testing.T) {
	backend := startBackend(t, []byte("should never be used"))
	gw := startGateway(t, backend.addr())

	conn, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test client

	_, err = conn.Write([]byte(policy.Marker + "\x00"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte(testPolicyDoc), got, "response must be the raw policy bytes, nothing else")

	assert.Equal(t, int64(0), backend.conns.Load(), "matched connection must not reach the backend")
	assert.Equal(t, int64(1), gw.PolicyServed())
	assert.Equal(t, int64(0), gw.Passthrough())
}

func TestGateway_DiscardsTrailingBytesAfterRequest(t *testing.T) {
	backend := startBackend(t, nil)
	gw := startGateway(t, backend.addr())

	conn, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test client

	_, err = conn.Write([]byte(policy.Marker + "\x00and some trailing junk"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte(testPolicyDoc), got)
	assert.Equal(t, int64(0), backend.conns.Load())
}

func TestGateway_RelaysOrdinaryTraffic(t *testing.T) {
	request := "GET / HTTP/1.0\r\nHost: example.com\r\n\r\n"
	response := "HTTP/1.0 200 OK\r\nContent-Length: 2\r\n\r\nhi"

	backend := startBackend(t, []byte(response))
	gw := startGateway(t, backend.addr())

	conn, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test client

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, []byte(response), got)

	select {
	case sent := <-backend.received:
		assert.Equal(t, []byte(request), sent, "backend must see the stream byte-for-byte")
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the request")
	}

	assert.Equal(t, int64(1), gw.Passthrough())
	assert.Equal(t, int64(0), gw.PolicyServed())
}

func TestGateway_ReplaysMarkerPrefixToBackend(t *testing.T) {
	// 19 bytes of marker prefix followed by unrelated binary data. The
	// whole stream, inspected bytes included, must reach the backend.
	input := "<policy-file-reque" + strings.Repeat("\x00\xff\x7f\x80", 50)

	backend := startBackend(t, nil)
	gw := startGateway(t, backend.addr())

	conn, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test client

	_, err = conn.Write([]byte(input))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	select {
	case sent := <-backend.received:
		assert.Equal(t, []byte(input), sent)
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received the stream")
	}
}

func TestGateway_ImmediateCloseIsNotAPolicyRequest(t *testing.T) {
	backend := startBackend(t, nil)
	gw := startGateway(t, backend.addr())

	conn, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// EOF with zero bytes resolves to not-matched; nothing is served.
	assert.Eventually(t, func() bool { return gw.ConnectionsTotal() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), gw.PolicyServed())
}

func TestGateway_StatsCallbacks(t *testing.T) {
	backend := startBackend(t, nil)

	path := filepath.Join(t.TempDir(), "crossdomain.xml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicyDoc), 0o600))
	payload, err := policy.LoadPayload(path)
	require.NoError(t, err)

	served := make(chan string, 1)
	gw := New(&Config{
		ListenAddr:  "127.0.0.1:0",
		BackendAddr: backend.addr(),
		Payload:     payload,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnPolicyServed: func(clientIP string) {
			served <- clientIP
		},
	})

	go func() { _ = gw.ListenAndServe() }()
	require.Eventually(t, func() bool { return gw.Addr() != nil }, time.Second, 10*time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})

	conn, err := net.Dial("tcp", gw.Addr().String())
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test client

	_, err = conn.Write([]byte(policy.Marker + "\x00"))
	require.NoError(t, err)
	_, _ = io.ReadAll(conn)

	select {
	case ip := <-served:
		assert.Equal(t, "127.0.0.1", ip)
	case <-time.After(2 * time.Second):
		t.Fatal("OnPolicyServed was never called")
	}
}
