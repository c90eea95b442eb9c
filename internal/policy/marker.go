/*
Package policy implements detection and answering of legacy Flash
cross-domain socket policy requests.

A Flash runtime that wants to open a raw socket first sends the fixed
23-byte request `<policy-file-request/>` followed by a NUL terminator as
the very first bytes of a new connection, and expects the raw policy
document in reply. The package provides a per-connection sniffer that
classifies the opening bytes without consuming them, an input filter
that forces EOF on matched connections, and an output filter that
injects the shared policy document ahead of any other outbound bytes.
*/
package policy

const (
	// Marker is the request body every Flash runtime sends when asking
	// for a socket policy file.
	Marker = "<policy-file-request/>"

	// terminator is the single byte that closes the request on the wire.
	terminator = 0x00

	// RequestLen is the full sniff window: the marker plus its terminator.
	RequestLen = len(Marker) + 1
)

// Verdict is the outcome of classifying a connection's opening bytes.
type Verdict int

const (
	// VerdictUndetermined means not enough bytes have arrived to decide.
	VerdictUndetermined Verdict = iota
	// VerdictMatched means the connection opened with a policy request.
	VerdictMatched
	// VerdictNotMatched means the connection carries ordinary traffic.
	VerdictNotMatched
)

// String returns a human-readable verdict name for logging.
func (v Verdict) String() string {
	switch v {
	case VerdictMatched:
		return "matched"
	case VerdictNotMatched:
		return "not-matched"
	default:
		return "undetermined"
	}
}

// classify inspects the speculative bytes gathered so far. eof reports
// whether the transport can deliver any more bytes.
//
// A stream whose first byte is not '<' is rejected immediately, without
// waiting for the full window. A full window must match the marker
// byte-for-byte and carry the terminator in the final position; a longer
// stream that merely starts with the marker text does not match.
func classify(data []byte, eof bool) Verdict {
	if len(data) == 0 {
		if eof {
			return VerdictNotMatched
		}
		return VerdictUndetermined
	}

	if data[0] != Marker[0] {
		return VerdictNotMatched
	}

	if len(data) < RequestLen {
		if eof {
			return VerdictNotMatched
		}
		return VerdictUndetermined
	}

	if string(data[:RequestLen-1]) == Marker && data[RequestLen-1] == terminator {
		return VerdictMatched
	}
	return VerdictNotMatched
}
