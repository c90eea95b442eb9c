package policy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload(t *testing.T) *Payload {
	t.Helper()
	p, err := LoadPayload(writePolicyFile(t, testPolicy))
	require.NoError(t, err)
	return p
}

func TestSniffInput_Matched(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader(Marker + "\x00"))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	assert.Equal(t, VerdictMatched, v)
	assert.True(t, f.Checked())
	assert.True(t, f.Matched())
}

func TestSniffInput_NotMatchedFirstByte(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	// A single byte is enough to reject; no full window is required.
	r := bufio.NewReader(strings.NewReader("G"))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	assert.Equal(t, VerdictNotMatched, v)
	assert.True(t, f.Checked())
	assert.False(t, f.Matched())
}

func TestSniffInput_WrongTerminator(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader(Marker + "X"))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	assert.Equal(t, VerdictNotMatched, v)
}

func TestSniffInput_ShortStreamAtEOF(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader("<policy-file-reque"))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	assert.Equal(t, VerdictNotMatched, v)
}

func TestSniffInput_EmptyStream(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader(""))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	assert.Equal(t, VerdictNotMatched, v)
}

// stubErr stands in for a transport failure during the speculative read.
var stubErr = errors.New("connection reset by peer")

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, stubErr }

func TestSniffInput_TransportErrorPropagates(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(errReader{})

	_, err := f.SniffInput(r)
	require.ErrorIs(t, err, stubErr)
	// A transport failure is not a verdict; the filter stays unresolved.
	assert.False(t, f.Checked())
}

func TestSniffInput_Idempotent(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader(Marker + "\x00"))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	require.Equal(t, VerdictMatched, v)

	// Drain the stream so a re-scan would have nothing to look at.
	_, err = io.Copy(io.Discard, r)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		v, err = f.SniffInput(r)
		require.NoError(t, err)
		assert.Equal(t, VerdictMatched, v)
	}
}

func TestReader_MatchedForcesEOF(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	// Trailing bytes after the request belong to nobody; they are discarded.
	r := bufio.NewReader(strings.NewReader(Marker + "\x00leftover"))

	got, err := io.ReadAll(f.Reader(r))
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.True(t, f.Matched())
}

func TestReader_NotMatchedReplaysInspectedBytes(t *testing.T) {
	// First 19 bytes look like the marker, then unrelated binary data.
	input := "<policy-file-reque" + strings.Repeat("\xde\xad\xbe\xef", 50)

	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader(input))

	got, err := io.ReadAll(f.Reader(r))
	require.NoError(t, err)
	assert.Equal(t, []byte(input), got, "inspected bytes must be delivered unchanged and in order")
	assert.True(t, f.Checked())
	assert.False(t, f.Matched())
}

func TestReader_PassThroughOrdinaryTraffic(t *testing.T) {
	input := "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"

	f := NewConnFilter(testPayload(t))
	got, err := io.ReadAll(f.Reader(bufio.NewReader(strings.NewReader(input))))
	require.NoError(t, err)
	assert.Equal(t, []byte(input), got)
}

func TestWriter_InjectsPayloadOnce(t *testing.T) {
	p := testPayload(t)
	f := NewConnFilter(p)
	r := bufio.NewReader(strings.NewReader(Marker + "\x00"))

	v, err := f.SniffInput(r)
	require.NoError(t, err)
	require.Equal(t, VerdictMatched, v)

	var out bytes.Buffer
	w := f.Writer(&out)

	// An empty write flushes just the payload.
	_, err = w.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, p.Bytes(), out.Bytes())

	// Subsequent writes pass through without a second injection.
	_, err = w.Write([]byte("tail"))
	require.NoError(t, err)
	assert.Equal(t, string(p.Bytes())+"tail", out.String())
}

func TestWriter_PayloadPrecedesPendingBytes(t *testing.T) {
	p := testPayload(t)
	f := NewConnFilter(p)
	r := bufio.NewReader(strings.NewReader(Marker + "\x00"))

	_, err := f.SniffInput(r)
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := f.Writer(&out).Write([]byte("pending"))
	require.NoError(t, err)
	assert.Equal(t, len("pending"), n)
	assert.Equal(t, string(p.Bytes())+"pending", out.String())
}

func TestWriter_NotMatchedPassesThrough(t *testing.T) {
	f := NewConnFilter(testPayload(t))
	r := bufio.NewReader(strings.NewReader("plain old traffic"))

	_, err := f.SniffInput(r)
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = f.Writer(&out).Write([]byte("response"))
	require.NoError(t, err)
	assert.Equal(t, "response", out.String())
}

func TestWriter_UncheckedPassesThrough(t *testing.T) {
	// Output produced before any input arrived: must not inject or block.
	f := NewConnFilter(testPayload(t))

	var out bytes.Buffer
	_, err := f.Writer(&out).Write([]byte("early"))
	require.NoError(t, err)
	assert.Equal(t, "early", out.String())
}
