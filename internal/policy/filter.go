package policy

import (
	"bufio"
	"errors"
	"io"
)

// ConnFilter holds the sniff state for a single connection. It is
// created when the connection is accepted, owned exclusively by that
// connection, and discarded with it. The zero state means the opening
// bytes have not been classified yet.
type ConnFilter struct {
	payload *Payload

	checked  bool // classification has been resolved
	matched  bool // meaningful only once checked is true
	injected bool // payload has been written to the output
}

// NewConnFilter creates the per-connection filter state, referencing
// the shared payload.
func NewConnFilter(payload *Payload) *ConnFilter {
	return &ConnFilter{payload: payload}
}

// Checked reports whether classification has been resolved.
func (f *ConnFilter) Checked() bool {
	return f.checked
}

// Matched reports whether the connection opened with a policy request.
// Meaningful only once Checked is true.
func (f *ConnFilter) Matched() bool {
	return f.checked && f.matched
}

// SniffInput classifies the connection's opening bytes using the
// reader's peek buffer, without consuming them. Once a final verdict is
// recorded, subsequent calls return it without touching the stream.
//
// Transport errors propagate to the caller and leave the filter
// unresolved; they are never folded into a not-matched verdict. EOF
// before a full window can arrive resolves to not-matched, so the
// normal consumer still observes the stream (and its EOF) unchanged.
func (f *ConnFilter) SniffInput(r *bufio.Reader) (Verdict, error) {
	if f.checked {
		if f.matched {
			return VerdictMatched, nil
		}
		return VerdictNotMatched, nil
	}

	// Cheap reject on the first byte, before waiting for a full window.
	first, err := r.Peek(1)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return f.resolve(VerdictNotMatched), nil
		}
		return VerdictUndetermined, err
	}
	if v := classify(first, false); v == VerdictNotMatched {
		return f.resolve(v), nil
	}

	window, err := r.Peek(RequestLen)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return VerdictUndetermined, err
	}

	v := classify(window, eof)
	if v == VerdictUndetermined {
		// Peek delivered a short window without an error. bufio only
		// does that when its buffer is smaller than the window, which
		// the gateway never configures; report pending and let the
		// caller retry.
		return v, nil
	}
	return f.resolve(v), nil
}

// resolve records the final verdict exactly once.
func (f *ConnFilter) resolve(v Verdict) Verdict {
	f.checked = true
	f.matched = v == VerdictMatched
	return v
}

// Reader wraps the connection's buffered input with the sniffing filter.
// The first Read resolves classification; a matched connection observes
// EOF forever after, while an unmatched connection reads every byte,
// including the inspected ones, in original order.
func (f *ConnFilter) Reader(r *bufio.Reader) io.Reader {
	return &filterReader{f: f, r: r}
}

type filterReader struct {
	f *ConnFilter
	r *bufio.Reader
}

func (fr *filterReader) Read(p []byte) (int, error) {
	for !fr.f.checked {
		v, err := fr.f.SniffInput(fr.r)
		if err != nil {
			return 0, err
		}
		if v == VerdictUndetermined {
			continue
		}
	}

	if fr.f.matched {
		// A matched connection is fully consumed by the policy
		// exchange; trailing bytes are discarded.
		return 0, io.EOF
	}
	return fr.r.Read(p)
}

// Writer wraps the connection's output with the injection filter. On
// the first write after a match is known, the shared payload bytes go
// out ahead of the pending bytes; every other state passes through
// unmodified. An empty write is valid and flushes just the payload.
func (f *ConnFilter) Writer(w io.Writer) io.Writer {
	return &injectWriter{f: f, w: w}
}

type injectWriter struct {
	f *ConnFilter
	w io.Writer
}

func (iw *injectWriter) Write(p []byte) (int, error) {
	if iw.f.checked && iw.f.matched && !iw.f.injected {
		iw.f.injected = true
		if _, err := iw.w.Write(iw.f.payload.Bytes()); err != nil {
			return 0, err
		}
	}

	if len(p) == 0 {
		return 0, nil
	}
	return iw.w.Write(p)
}
